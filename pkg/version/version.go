// Package version holds build-time version info injected via ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/linechat/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/linechat/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/linechat/pkg/version.date=2026-01-01"
package version

var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// String returns the tag, else the commit, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// Banner prefixes Full with the program name, for --version output.
func Banner(program string) string {
	return program + " " + Full()
}

// Labels returns the build_info label set for the metrics endpoint.
func Labels() map[string]string {
	return map[string]string{
		"version": String(),
		"commit":  commit,
		"date":    date,
	}
}
