// Package profile decides which packages belong on this machine.
//
// The repository publishes a profiles.ini file with one section per
// profile:
//
//	[lab-machines]
//	variable = hostname
//	match = lab-\d+
//	packages = ['firefox', 'office']
//
// A profile applies when the named system-information variable exists and
// its value matches the regular expression at its start. The desired
// package set is the union of the packages of every applying profile.
package profile
