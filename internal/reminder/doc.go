// Package reminder holds the persisted schedule model shared by the alarm
// engine, the scheduler, the boot reconciler and the storage drivers.
package reminder
