// Package scheduler arms and cancels platform wake events for reminders.
//
// It is the only component that talks to the timer facility (Platform). Its
// responsibilities are:
//   - mapping reminder ids onto the platform's narrower native key space
//   - idempotently replacing the pending wake event of an id
//   - falling back to inexact arming when exact timing is denied
//   - forwarding platform fires to the alarm engine, minus stale or cancelled ones
package scheduler
