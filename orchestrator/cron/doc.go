// Package cron parses schedule expressions used by background sweepers.
//
// Two forms are accepted: the standard five-field expression
// (minute hour day-of-month month day-of-week) and the "@every <duration>"
// descriptor for sub-minute intervals.
package cron
