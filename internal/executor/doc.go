// Package executor runs the text-generation tool that actually performs a
// mission's work.
//
// The tool is an external subprocess, `claude -p <prompt>` by default. The
// dispatcher treats it as a black box: it passes the prompt (with any mission
// context appended) as the final argument, captures stdout, and reads the
// exit code. A non-zero exit is reported in Result rather than as an error so
// callers can record the tool's own output on the failed mission.
package executor
