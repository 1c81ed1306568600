package sysfs

import (
	"context"
	"fmt"

	"github.com/onkernel/vmman/lib/logger"
	"golang.org/x/sys/unix"
)

// ChownFunc changes the owner of the file referred to by fd.
type ChownFunc func(fd int, uid, gid int) error

// Ownership hands device files over to an unprivileged identity.
// The process is expected to hold CAP_CHOWN for as long as it uses this;
// it never drops privilege itself.
type Ownership struct {
	chown ChownFunc
}

// NewOwnership returns an Ownership that issues real fchownat calls.
func NewOwnership() *Ownership {
	return &Ownership{chown: fchownEmptyPath}
}

// NewOwnershipWithChown returns an Ownership using the given chown call.
func NewOwnershipWithChown(chown ChownFunc) *Ownership {
	return &Ownership{chown: chown}
}

// Owner returns the current uid and gid of path.
func Owner(path string) (uid, gid uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Uid, st.Gid, nil
}

// TransferOwnership makes uid:gid the owner of path. The file is opened with
// O_PATH so device nodes are not actually opened. Exactly one ownership change
// is issued when the current owner differs, none otherwise.
func (o *Ownership) TransferOwnership(ctx context.Context, path string, uid, gid uint32) (bool, error) {
	log := logger.FromContext(ctx)

	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	if st.Uid == uid && st.Gid == gid {
		log.DebugContext(ctx, "ownership already correct", "path", path, "uid", uid, "gid", gid)
		return false, nil
	}

	log.InfoContext(ctx, "changing owner",
		"path", path,
		"from_uid", st.Uid, "from_gid", st.Gid,
		"uid", uid, "gid", gid)

	if err := o.chown(fd, int(uid), int(gid)); err != nil {
		return false, fmt.Errorf("set ownership of %s to %d:%d: %w", path, uid, gid, err)
	}
	return true, nil
}

func fchownEmptyPath(fd int, uid, gid int) error {
	return unix.Fchownat(fd, "", uid, gid, unix.AT_EMPTY_PATH)
}
