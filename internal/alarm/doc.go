// Package alarm is the ring-session state machine.
//
// Every inbound action (OS fire, ring timeout, notification or UI taps,
// cancellation) is an Event handled by one Engine. Within a session exactly
// one of {ring timeout, dismiss, manual snooze, cancel} wins, decided by the
// session's Guard; the losers are ignored.
package alarm
