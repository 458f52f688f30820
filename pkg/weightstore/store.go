package weightstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a ref has no stored blob.
	ErrNotFound = errors.New("weightstore: blob not found")

	// ErrInvalidKey is returned for keys or refs that cannot name a blob.
	ErrInvalidKey = errors.New("weightstore: invalid key")
)

// GlobalOwner is the reserved owner of aggregated global snapshots.
const GlobalOwner = "global"

const (
	blobExt       = ".bin"
	globalPrefix  = GlobalOwner + "_round_"
	latestName    = GlobalOwner + "_latest" + blobExt
	clientSep     = "_round"
	maxOwnerBytes = 128
)

var (
	ownerPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^[0-9A-Fa-f][0-9A-Fa-f-]*$`)
)

// Store persists and retrieves weight blobs.
type Store interface {
	// Put durably stores the content of r under key and returns its ref.
	// The blob is fully persisted before Put returns.
	Put(ctx context.Context, key Key, r io.Reader) (Ref, error)

	// Get opens the blob for ref. Returns ErrNotFound if it does not exist.
	// The caller must close the returned reader.
	Get(ctx context.Context, ref Ref) (io.ReadCloser, error)

	// Exists reports whether a blob is stored for ref.
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// Ref is an opaque handle to a stored blob.
type Ref string

// String returns the ref as stored in the ledger.
func (r Ref) String() string { return string(r) }

// Key identifies a blob by owner and round. Client keys may carry a
// Version so that each upload gets its own blob and a re-upload never
// replaces bytes a ledger entry still points at.
type Key struct {
	Owner   string
	Round   uint64
	Version string
	global  bool
	latest  bool
}

// ClientKey returns the unversioned key of a client's contribution to round.
func ClientKey(clientID string, round uint64) Key {
	return Key{Owner: clientID, Round: round}
}

// UploadKey returns the key of one upload by clientID to round.
func UploadKey(clientID string, round uint64, version string) Key {
	return Key{Owner: clientID, Round: round, Version: version}
}

// GlobalKey returns the key of the global snapshot for round.
func GlobalKey(round uint64) Key {
	return Key{Owner: GlobalOwner, Round: round, global: true}
}

// LatestKey returns the key of the global "latest" alias.
func LatestKey() Key {
	return Key{Owner: GlobalOwner, global: true, latest: true}
}

// IsGlobal reports whether k names a per-round global snapshot.
// A client may use GlobalOwner as its ID; its keys are not global.
func (k Key) IsGlobal() bool { return k.global && !k.latest }

// IsLatest reports whether k names the "latest" alias.
func (k Key) IsLatest() bool { return k.latest }

// Validate checks that owner and version are usable in a file name.
func (k Key) Validate() error {
	if err := ValidateOwner(k.Owner); err != nil {
		return err
	}
	if k.Version != "" && !versionPattern.MatchString(k.Version) {
		return fmt.Errorf("%w: version %q may only contain hex digits and '-'", ErrInvalidKey, k.Version)
	}
	return nil
}

// Slot is the (owner, round) pair a client key belongs to, ignoring Version.
func (k Key) Slot() Key {
	return Key{Owner: k.Owner, Round: k.Round, global: k.global, latest: k.latest}
}

// Ref returns the deterministic ref for k.
func (k Key) Ref() Ref {
	switch {
	case k.latest:
		return Ref(latestName)
	case k.global:
		return Ref(globalPrefix + strconv.FormatUint(k.Round, 10) + blobExt)
	case k.Version != "":
		return Ref(k.Owner + clientSep + strconv.FormatUint(k.Round, 10) + "_" + k.Version + blobExt)
	default:
		return Ref(k.Owner + clientSep + strconv.FormatUint(k.Round, 10) + blobExt)
	}
}

// ValidateOwner checks a client ID (or owner) for use in a key.
func ValidateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", ErrInvalidKey)
	}
	if len(owner) > maxOwnerBytes {
		return fmt.Errorf("%w: owner longer than %d bytes", ErrInvalidKey, maxOwnerBytes)
	}
	if !ownerPattern.MatchString(owner) {
		return fmt.Errorf("%w: owner %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidKey, owner)
	}
	return nil
}

// ParseRef recovers the key a ref was derived from.
func ParseRef(ref Ref) (Key, error) {
	name := string(ref)
	if name == latestName {
		return LatestKey(), nil
	}
	if !strings.HasSuffix(name, blobExt) {
		return Key{}, fmt.Errorf("%w: ref %q", ErrInvalidKey, ref)
	}
	base := strings.TrimSuffix(name, blobExt)

	if rest, ok := strings.CutPrefix(base, globalPrefix); ok {
		if r, err := strconv.ParseUint(rest, 10, 64); err == nil {
			return GlobalKey(r), nil
		}
	}

	i := strings.LastIndex(base, clientSep)
	if i <= 0 {
		return Key{}, fmt.Errorf("%w: ref %q", ErrInvalidKey, ref)
	}
	rest, version, versioned := strings.Cut(base[i+len(clientSep):], "_")
	r, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || (versioned && version == "") {
		return Key{}, fmt.Errorf("%w: ref %q", ErrInvalidKey, ref)
	}
	k := UploadKey(base[:i], r, version)
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
