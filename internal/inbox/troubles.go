package inbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/ingest"
)

type (
	TroubleType int
	Trouble     struct {
		error
		tType TroubleType
	}

	ResolutionType int
)

const (
	ARCHIVE_FAILURE TroubleType = iota
	COMMIT_FAILURE
	PACK_BUSY
	GENERIC_FAILURE
)

const (
	RETRY ResolutionType = iota
	ABORT
)

var allowedResolutionTypes = map[TroubleType][]ResolutionType{
	ARCHIVE_FAILURE: {ABORT, RETRY},
	COMMIT_FAILURE:  {ABORT, RETRY},
	PACK_BUSY:       {ABORT, RETRY},
	GENERIC_FAILURE: {ABORT, RETRY},
}

func newTrouble(err error) *Trouble {
	switch {
	case errors.Is(err, archive.ErrCorruptArchive):
		return &Trouble{error: err, tType: ARCHIVE_FAILURE}
	case errors.Is(err, ingest.ErrCommitFailed):
		return &Trouble{error: err, tType: COMMIT_FAILURE}
	case errors.Is(err, ingest.ErrAlreadyRunning):
		return &Trouble{error: err, tType: PACK_BUSY}
	}

	return &Trouble{error: err, tType: GENERIC_FAILURE}
}

func (t *Trouble) Type() TroubleType { return t.tType }
func (t *Trouble) Unwrap() error      { return t.error }

func (t *Trouble) AllowedResolutionTypes() []ResolutionType {
	if allowed, ok := allowedResolutionTypes[t.tType]; ok {
		return allowed
	}

	return []ResolutionType{}
}

func (t *Trouble) isResolutionTypeAllowed(resType ResolutionType) bool {
	for _, v := range t.AllowedResolutionTypes() {
		if v == resType {
			return true
		}
	}

	return false
}

func (t *Trouble) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type              string   `json:"type"`
		Message           string   `json:"message"`
		AllowedResolution []string `json:"allowedResolutions"`
	}{t.tType.String(), t.Error(), t.allowedResolutionNames()})
}

func (t *Trouble) allowedResolutionNames() []string {
	names := make([]string, 0)
	for _, r := range t.AllowedResolutionTypes() {
		names = append(names, r.String())
	}
	return names
}

func (t TroubleType) String() string {
	switch t {
	case ARCHIVE_FAILURE:
		return "ARCHIVE_FAILURE"
	case COMMIT_FAILURE:
		return "COMMIT_FAILURE"
	case PACK_BUSY:
		return "PACK_BUSY"
	case GENERIC_FAILURE:
		return "GENERIC_FAILURE"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", t)
	}
}

func (r ResolutionType) String() string {
	switch r {
	case RETRY:
		return "RETRY"
	case ABORT:
		return "ABORT"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", r)
	}
}

func ParseResolutionType(s string) (ResolutionType, error) {
	switch s {
	case "RETRY":
		return RETRY, nil
	case "ABORT":
		return ABORT, nil
	default:
		return 0, ErrResolutionIncompatible
	}
}
