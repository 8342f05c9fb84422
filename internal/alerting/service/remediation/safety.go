package remediation

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrUnsafeCommand is returned by CheckCommand for rejected commands.
var ErrUnsafeCommand = errors.New("unsafe command")

// forbiddenPatterns are checked before the whitelist and always win.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]+\s+)*/(\*|\s|$)`),
	regexp.MustCompile(`--no-preserve-root`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(reboot|shutdown|halt|poweroff)\b`),
	regexp.MustCompile(`\binit\s+[06]\b`),
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`),
	regexp.MustCompile(`(?i)\b(drop\s+(table|database|schema)|truncate\s+table|delete\s+from)\b`),
	regexp.MustCompile(`:\(\)\s*\{`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|xvd|vd)`),
	regexp.MustCompile(`>\s*/(etc|boot|bin|sbin|usr|lib)\b`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?0?777\s+/`),
	regexp.MustCompile(`\s-(exec|execdir|ok|okdir)\b`),
}

// allowedPrefixes lists the commands a runbook step may start with.
var allowedPrefixes = []string{
	// service control
	"systemctl restart",
	"systemctl reload",
	"systemctl status",
	"systemctl is-active",
	"service",
	"docker restart",
	"docker ps",
	"docker logs",
	"kill",
	"pkill",
	"nginx -t",
	// read-only diagnostics
	"journalctl",
	"df",
	"du",
	"free",
	"top -b",
	"ps",
	"uptime",
	"vmstat",
	"iostat",
	"ss",
	"netstat",
	"ls",
	"cat /proc/",
	"head",
	"tail",
	"grep",
	"sort",
	"wc",
	"test",
	"curl -sf",
	"ping -c",
	// bounded cleanup
	"find /tmp",
	"find /var/tmp",
	"find /var/log",
	"logrotate",
	"journalctl --vacuum",
	"sync",
	"echo 1 > /proc/sys/vm/drop_caches",
	"echo 3 > /proc/sys/vm/drop_caches",
}

var (
	segmentSep = regexp.MustCompile(`\s*(?:\n|;|&&|\|\||\||&)\s*`)
	fdRedirect = regexp.MustCompile(`\d?>&\d`)
	redirect   = regexp.MustCompile(`>>?\s*([^\s;&|]*)`)
)

// redirectTargets are the only files output may be redirected to.
var redirectTargets = map[string]bool{
	"/dev/null":                true,
	"/proc/sys/vm/drop_caches": true,
}

// cleanupDirs bound every path a find command may walk.
var cleanupDirs = []string{"/tmp", "/var/tmp", "/var/log"}

// CheckCommand returns nil when cmd is safe to run on a production host.
// Every segment of a chained or piped command must start with an allowed prefix and
// pass the argument checks of its command.
func CheckCommand(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return fmt.Errorf("%w: empty command", ErrUnsafeCommand)
	}
	for _, re := range forbiddenPatterns {
		if re.MatchString(cmd) {
			return fmt.Errorf("%w: matches forbidden pattern %s", ErrUnsafeCommand, re.String())
		}
	}
	plain := fdRedirect.ReplaceAllString(cmd, " ")
	for _, m := range redirect.FindAllStringSubmatch(plain, -1) {
		if !redirectTargets[m[1]] {
			return fmt.Errorf("%w: redirect to %q", ErrUnsafeCommand, m[1])
		}
	}
	for _, seg := range segmentSep.Split(plain, -1) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if !allowed(seg) {
			return fmt.Errorf("%w: %q is not whitelisted", ErrUnsafeCommand, seg)
		}
		if err := checkArgs(strings.Fields(seg)); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrUnsafeCommand, seg, err)
		}
	}
	return nil
}

// IsSafe reports whether CheckCommand accepts cmd.
func IsSafe(cmd string) bool { return CheckCommand(cmd) == nil }

func allowed(seg string) bool {
	for _, p := range allowedPrefixes {
		if seg == p || strings.HasPrefix(seg, p+" ") || (strings.HasSuffix(p, "/") && strings.HasPrefix(seg, p)) {
			return true
		}
	}
	return false
}

func checkArgs(args []string) error {
	switch args[0] {
	case "find":
		return checkFind(args[1:])
	case "kill", "pkill":
		return checkKill(args[1:])
	case "curl":
		return checkCurl(args[1:])
	case "sort":
		for _, a := range args[1:] {
			if a == "-o" || strings.HasPrefix(a, "--output") {
				return errors.New("sort may not write files")
			}
		}
	}
	return nil
}

// checkFind keeps every start path under cleanupDirs and forbids actions that run or write.
func checkFind(args []string) error {
	paths := 0
	for i, a := range args {
		if strings.HasPrefix(a, "-") || a == "(" || a == "!" {
			for _, x := range args[i:] {
				switch {
				case x == "-exec", x == "-execdir", x == "-ok", x == "-okdir", x == "-fls",
					strings.HasPrefix(x, "-fprint"):
					return fmt.Errorf("find action %s is not allowed", x)
				}
			}
			break
		}
		if !underCleanupDir(a) {
			return fmt.Errorf("find path %s is outside %s", a, strings.Join(cleanupDirs, ", "))
		}
		paths++
	}
	if paths == 0 {
		return errors.New("find needs an explicit path")
	}
	return nil
}

func underCleanupDir(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	p = path.Clean(p)
	for _, d := range cleanupDirs {
		if p == d || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

func checkKill(args []string) error {
	for _, a := range args {
		switch a {
		case "1", "-1", "init", "systemd":
			return fmt.Errorf("signal target %s is not allowed", a)
		}
	}
	return nil
}

// checkCurl allows read-only probes: no output files, uploads or config files.
func checkCurl(args []string) error {
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			for _, f := range []string{"--output", "--remote-name", "--upload-file", "--data", "--form", "--config"} {
				if strings.HasPrefix(a, f) {
					return fmt.Errorf("curl option %s is not allowed", a)
				}
			}
			continue
		}
		if strings.HasPrefix(a, "-") && strings.ContainsAny(a[1:], "oOTdFK") {
			return fmt.Errorf("curl option %s is not allowed", a)
		}
	}
	return nil
}
