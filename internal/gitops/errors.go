package gitops

import "errors"

// Sentinel errors surfaced at the API boundary (§7 "Git" error kind).
var (
	ErrMergeConflicts   = errors.New("gitops: merge conflicts")
	ErrRebaseInProgress = errors.New("gitops: rebase already in progress")
	ErrPushRejected     = errors.New("gitops: push rejected (force required)")
	ErrBranchNotFound   = errors.New("gitops: branch not found")
)

// BranchType distinguishes a local branch from a remote-tracking one.
type BranchType string

const (
	BranchLocal  BranchType = "local"
	BranchRemote BranchType = "remote"
)
