// Package dmesgparse extracts crash information from a decoded kernel
// console (dmesg) dump, the state machine of SPEC_FULL.md §4.5 step 2.
// It is a direct generalisation of
// original_source/mycrashanalyzer.py's extract_crash_from_dmesg_string:
// timestamp stripping, crash-start detection (both plain string
// prefixes and the two LustreError regexes for ASSERTION/LBUG),
// test-marker tracking on "Lustre: DEBUG MARKER: ==" lines, blacklisted
// backtrace-frame stripping, and unresolved-address canonicalisation.
package dmesgparse

import (
	"regexp"
	"strings"
)

// crashStarters are plain-string line prefixes that begin a crash
// (loaded inline, as the original does, rather than from JSON: these
// are kernel-message literals, not operator-tunable policy).
var crashStarters = []string{
	"SysRq : Trigger a crash",
	"BUG: unable to handle kernel paging request",
	"BUG: unable to handle kernel NULL pointer dereference",
	"NMI watchdog: BUG: soft lockup - CPU",
	"WARNING: MMP writes to pool",
	"Kernel panic - not syncing: Out of memory",
	"kernel BUG at ",
	"divide error: ",
	"general protection fault:",
	"Synchronous External Abort:",
	"Unable to handle kernel NULL pointer dereference",
	"unable to handle kernel paging request",
	"watchdog: BUG: soft lockup - ",
}

// BlacklistedBacktraceFuncs are unwinder/assertion plumbing frames
// stripped from the abbreviated backtrace so matching is deterministic.
var BlacklistedBacktraceFuncs = map[string]bool{
	"libcfs_call_trace":           true,
	"dump_stack":                  true,
	"lbug_with_loc":               true,
	"ret_from_fork_nospec_begin":  true,
	"ret_from_fork_nospec_end":    true,
	"dump_trace":                  true,
	"show_stack_log_lvl":          true,
	"show_stack":                  true,
	"save_stack_trace_tsk":        true,
}

// crashEnders are substrings that, once a backtrace is being recorded,
// mark the end of the crash text.
var crashEnders = []string{
	"Code: ",
	"Kernel panic - not syncing: LBUG",
	"Starting crashdump kernel...",
	"DWARF2 unwinder stuck at",
	"Leftover inexact backtrace",
	"Kernel Offset: disabled",
}

var (
	assertionRe = regexp.MustCompile(`L[ustreN]+Error: \d+:\d+:\([a-zA-Z0-9_.\-]+:\d+:([a-zA-Z0-9_]+)\(\)\) (ASSERTION\(.*\) failed)`)
	lbugRe      = regexp.MustCompile(`L[ustreN]+Error: \d+:\d+:\([a-zA-Z0-9_.]+:\d+:([a-zA-Z0-9_]+)\(\)\) (LBUG)`)

	ipFuncRe = []*regexp.Regexp{
		regexp.MustCompile(`IP: \[<\w+>\] (\w+).*\+0x`),
		regexp.MustCompile(`RIP: \d+:\[<\w+>\]  \[<\w+>\] (\w+).*\+0x`),
		regexp.MustCompile(`RIP: \d+:(\w+)\+0x`),
		regexp.MustCompile(`PC is at (\w+)\+0x`),
	}
)

// Crash is the structured result of extracting one crash from a
// console log.
type Crash struct {
	LastTestLine          string
	EntireCrash           string
	LastTestLogs          string
	CrashTrigger          string
	CrashFunction         string
	AbbreviatedBacktrace  string
}

// Extract runs the crash-extraction state machine over raw dmesg text.
func Extract(crashlog string) Crash {
	var c Crash
	recordingCrash := false
	recordingBacktrace := false
	stopRecording := false

	for _, raw := range strings.Split(crashlog, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if line[0] == '[' {
			if idx := strings.IndexByte(line, ']'); idx > 0 {
				if idx+2 <= len(line) {
					line = line[idx+2:]
				} else {
					line = ""
				}
				if line == "" {
					continue
				}
			}
		} else if c.CrashTrigger == "" {
			continue
		}

		if !recordingCrash {
			matched := false
			for _, starter := range crashStarters {
				if strings.HasPrefix(line, starter) {
					c.EntireCrash += line + "\n"
					recordingCrash = true
					c.CrashTrigger = starter
					matched = true
					break
				}
			}
			if matched {
				continue
			}

			if m := assertionRe.FindStringSubmatch(line); m != nil {
				c.EntireCrash += line + "\n"
				c.CrashFunction = m[1]
				c.CrashTrigger = m[2]
				recordingCrash = true
				continue
			}
			if m := lbugRe.FindStringSubmatch(line); m != nil {
				c.EntireCrash += line + "\n"
				c.CrashFunction = m[1]
				c.CrashTrigger = m[2]
				recordingCrash = true
				continue
			}

			const marker = "Lustre: DEBUG MARKER: == "
			if strings.Contains(line, marker) && !strings.Contains(line, "rpc test complete, duration -o sec") {
				rest := strings.Replace(line, marker, "", 1)
				if idx := strings.Index(rest, "=="); idx > 0 {
					rest = strings.TrimSpace(rest[:idx])
				}
				c.LastTestLine = rest
				c.LastTestLogs = ""
			} else if c.LastTestLine != "" {
				c.LastTestLogs += line + "\n"
			} else if strings.Contains(line, "Lustre: Lustre: Build Version") ||
				strings.Contains(line, "libcfs: loading out-of-tree module taints kernel") {
				c.LastTestLine = "Module load"
				c.LastTestLogs = line + "\n"
			}
			continue
		}

		if recordingBacktrace {
			ended := false
			for _, ender := range crashEnders {
				if strings.Contains(line, ender) {
					recordingCrash = false
					recordingBacktrace = false
					stopRecording = true
					ended = true
					break
				}
			}
			if ended {
				break
			}
		}
		if stopRecording {
			break
		}
		c.EntireCrash += line + "\n"

		if recordingBacktrace {
			appendBacktraceFrame(&c, line)
		} else if c.CrashFunction == "" {
			for _, re := range ipFuncRe {
				if m := re.FindStringSubmatch(line); m != nil {
					c.CrashFunction = m[1]
					break
				}
			}
		}

		if line == "Call Trace:" || line == "Call trace:" || line == "Call Trace TBD:" {
			recordingBacktrace = true
		}
		if c.CrashFunction != "" && strings.HasPrefix(line, "LR is at ") {
			appendARMFrame(&c, line)
		}
	}

	if strings.HasPrefix(c.CrashFunction, "0x") {
		c.CrashFunction = "unresolved"
	}
	return c
}

func appendBacktraceFrame(c *Crash, line string) {
	tokens := strings.SplitN(strings.TrimSpace(line), " ", 4)
	if len(tokens) == 0 {
		return
	}
	if !strings.HasPrefix(tokens[0], "[<") {
		if !strings.Contains(tokens[0], "+0x") {
			return
		}
		tokens = append([]string{"[<0>]"}, tokens...)
	}
	if len(tokens) < 2 {
		return
	}
	if tokens[1] == "?" {
		return
	}
	function := tokens[1]
	if idx := strings.IndexByte(function, '+'); idx >= 0 {
		function = function[:idx]
	}
	if idx := strings.IndexByte(function, '.'); idx >= 0 {
		function = function[:idx]
	}
	if strings.HasPrefix(function, "0xfffffffffffff") {
		return
	}
	if strings.HasPrefix(function, "0x") {
		function = "UNRESOLVEDADDRESS"
	}
	if BlacklistedBacktraceFuncs[function] {
		return
	}
	c.AbbreviatedBacktrace += function + "\n"
}

func appendARMFrame(c *Crash, line string) {
	rest := strings.Replace(line, "LR is at ", "", 1)
	tokens := strings.Split(rest, " ")
	idx := strings.IndexByte(tokens[0], '+')
	if len(tokens) < 3 && idx > 0 {
		c.AbbreviatedBacktrace += tokens[0][:idx] + "\n"
	}
}
