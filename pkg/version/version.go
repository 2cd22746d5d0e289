// Package version holds build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/chmdznr/batchsync/pkg/version.Version=v1.2.0 \
//	  -X github.com/chmdznr/batchsync/pkg/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/chmdznr/batchsync/pkg/version.BuildTime=$(date -u +%FT%TZ)"
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the one-line version banner.
func String() string {
	return Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
