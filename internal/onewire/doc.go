// Package onewire reads DS18B20 temperature sensors through the Linux
// w1-therm sysfs interface.
//
// Every device appears as a directory under the bus root (normally
// /sys/bus/w1/devices) named after its family code and serial, for
// example 28-00000123abcd. Two files inside it matter here:
//
//	name      one line holding the device ROM identifier
//	w1_slave  a two-line record produced by a temperature conversion
//
// A typical w1_slave record looks like:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
//
// The first line ends in YES when the CRC matched. The value after t=
// on the second line is the temperature in millidegrees Celsius. While a
// conversion is still running the driver may hand back a record that
// does not end in YES; [Reader.ReadTemperature] re-reads the same file a
// bounded number of times before giving up with [ErrReadTimeout].
//
// The device set is enumerated once at startup by [Enumerate]. Sensors
// plugged in later are not picked up until the process restarts.
package onewire
