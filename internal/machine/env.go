package machine

import "strings"

// envBlocklist keeps host secrets and control-plane coordinates out of
// package-build containers. A blocklist rather than an allowlist: build
// recipes legitimately set arbitrary env vars, so only a fixed set of
// known-sensitive keys is stripped from whatever the workspace or
// instance config passes through.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":                     true,
	"LD_LIBRARY_PATH":                true,
	"DOCKER_HOST":                    true,
	"KUBECONFIG":                     true,
	"AWS_ACCESS_KEY_ID":              true,
	"AWS_SECRET_ACCESS_KEY":          true,
	"GOOGLE_APPLICATION_CREDENTIALS": true,
}

// scrubEnv drops blocklisted entries from env, preserving order of
// everything else.
func scrubEnv(env []string) []string {
	if len(env) == 0 {
		return env
	}
	scrubbed := make([]string, 0, len(env))
	for _, entry := range env {
		if envBlocklist[envKey(entry)] {
			continue
		}
		scrubbed = append(scrubbed, entry)
	}
	return scrubbed
}

func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}
