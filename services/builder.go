package services

import (
	"context"
	"time"
)

// Wallet platforms.
const (
	PlatformApple  = "apple"
	PlatformGoogle = "google"
)

// BuildMode tells a builder whether the holder is acquiring the pass or it already exists.
type BuildMode int

const (
	// BuildIssue produces something the member can add to a wallet.
	BuildIssue BuildMode = iota
	// BuildRefresh brings an already-issued pass up to date.
	BuildRefresh
)

// PassState is everything printed on a pass.
type PassState struct {
	MemberID           uint
	Email              string
	Name               string
	Serial             string
	AuthSecret         string
	PassTypeIdentifier string
	VisitCount         int
	Level              Level
	LastVisit          time.Time
	LastVisitText      string
	MemberSince        time.Time
}

// Artifact is what a builder produced. Link is the acquisition link when there is one;
// Data holds archive bytes for platforms that serve files.
type Artifact struct {
	Platform    string
	Link        string
	ContentType string
	Data        []byte
}

// PassBuilder renders PassState for one wallet platform.
type PassBuilder interface {
	Platform() string
	Build(ctx context.Context, state PassState, mode BuildMode) (*Artifact, error)
}

// ArchiveReader reads a previously stored pass archive by serial.
type ArchiveReader interface {
	ReadArchive(ctx context.Context, serial string) ([]byte, error)
}
