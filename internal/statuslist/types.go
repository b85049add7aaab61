package statuslist

import (
	"time"

	"github.com/ParichayaHQ/issuer/internal/store"
)

// StatusPurpose represents the purpose of a status list
type StatusPurpose string

const (
	// StatusPurposeRevocation indicates the list tracks revoked credentials
	StatusPurposeRevocation StatusPurpose = "revocation"

	// StatusPurposeSuspension indicates the list tracks suspended credentials
	StatusPurposeSuspension StatusPurpose = "suspension"

	// StatusPurposeActivation indicates the list tracks activated credentials
	StatusPurposeActivation StatusPurpose = "activation"
)

// ValidPurpose reports whether p is a known status purpose
func ValidPurpose(p StatusPurpose) bool {
	switch p {
	case StatusPurposeRevocation, StatusPurposeSuspension, StatusPurposeActivation:
		return true
	}
	return false
}

// ListType identifies the status list credential flavor a list set serves
type ListType string

const (
	TypeBitstringStatusList      ListType = "BitstringStatusList"
	TypeTerseBitstringStatusList ListType = "TerseBitstringStatusList"
	TypeStatusList2021           ListType = "StatusList2021"
	TypeRevocationList2020       ListType = "RevocationList2020"
)

// ValidListType reports whether t is a supported list type
func ValidListType(t ListType) bool {
	switch t {
	case TypeBitstringStatusList, TypeTerseBitstringStatusList,
		TypeStatusList2021, TypeRevocationList2020:
		return true
	}
	return false
}

// Default list dimensions. blockSize*blockCount is the per-list bit length;
// times listCount it caps the namespace.
const (
	DefaultBlockSize  = 128
	DefaultBlockCount = 1024
	DefaultListCount  = 8
)

// DefaultReservationTimeout bounds how long a pending reservation is
// considered live. It must exceed the slowest signer call plus margin.
const DefaultReservationTimeout = 15 * time.Minute

// Options are the per-tenant dimensions of one allocation namespace
type Options struct {
	Purpose    StatusPurpose `json:"statusPurpose" validate:"required"`
	Type       ListType      `json:"type" validate:"required"`
	BlockSize  int           `json:"blockSize,omitempty"`
	BlockCount int           `json:"blockCount,omitempty"`
	ListCount  int           `json:"listCount,omitempty"`
}

// Normalize fills defaults and validates the dimensions
func (o *Options) Normalize() error {
	if !ValidPurpose(o.Purpose) {
		return NewStatusListError(ErrorInvalidPurpose, "unknown status purpose")
	}
	if !ValidListType(o.Type) {
		return NewStatusListError(ErrorInvalidType, "unknown status list type")
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockCount == 0 {
		o.BlockCount = DefaultBlockCount
	}
	if o.ListCount == 0 {
		o.ListCount = DefaultListCount
	}
	if o.BlockSize < 1 || o.BlockSize&(o.BlockSize-1) != 0 {
		return NewStatusListError(ErrorInvalidOptions, "blockSize must be a power of two")
	}
	if o.BlockCount < 1 {
		return NewStatusListError(ErrorInvalidOptions, "blockCount must be positive")
	}
	if o.ListCount < 1 {
		return NewStatusListError(ErrorInvalidOptions, "listCount must be positive")
	}
	return nil
}

// ListLength returns the bit length of one list
func (o *Options) ListLength() int {
	return o.BlockSize * o.BlockCount
}

// Reservation is a transient claim on one (listId, index) position. It is
// created by the block allocator and destroyed by finalize or abandon.
type Reservation struct {
	ID             string           `json:"id"`
	Key            store.ListSetKey `json:"key"`
	ListID         string           `json:"listId"`
	ListIndex      int              `json:"listIndex"`
	BlockID        int              `json:"blockId"`
	Index          int              `json:"index"`
	IndexAllocator string           `json:"indexAllocator"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// BitstringStatusListEntry is the credentialStatus form for
// BitstringStatusList (VC 2.0)
type BitstringStatusListEntry struct {
	ID                   string `json:"id,omitempty"`
	Type                 string `json:"type"`
	StatusPurpose        string `json:"statusPurpose"`
	StatusListIndex      string `json:"statusListIndex"`
	StatusListCredential string `json:"statusListCredential"`
}

// TerseBitstringStatusListEntry omits the SLC URL; consumers reconstruct it
// from the base URL and the list derived by dividing the terse index by the
// list length.
type TerseBitstringStatusListEntry struct {
	Type                   string `json:"type"`
	TerseStatusListBaseURL string `json:"terseStatusListBaseUrl"`
	TerseStatusListIndex   int    `json:"terseStatusListIndex"`
}

// StatusList2021Entry is the legacy StatusList 2021 credentialStatus form
type StatusList2021Entry struct {
	ID                   string `json:"id,omitempty"`
	Type                 string `json:"type"`
	StatusPurpose        string `json:"statusPurpose"`
	StatusListIndex      string `json:"statusListIndex"`
	StatusListCredential string `json:"statusListCredential"`
}

// RevocationList2020Status is the legacy RevocationList 2020 form
type RevocationList2020Status struct {
	ID                       string `json:"id,omitempty"`
	Type                     string `json:"type"`
	RevocationListIndex      string `json:"revocationListIndex"`
	RevocationListCredential string `json:"revocationListCredential"`
}

// Metrics is a point-in-time snapshot of one allocation namespace
type Metrics struct {
	// TotalLists is the number of lists created so far
	TotalLists int `json:"totalLists"`

	// FullLists is the number of lists with no free positions
	FullLists int `json:"fullLists"`

	// AllocatedPositions is the number of assigned bits across all lists
	AllocatedPositions int `json:"allocatedPositions"`

	// PendingReservations is the number of outstanding reservations
	PendingReservations int `json:"pendingReservations"`

	// SetPositions is the number of status bits currently set
	SetPositions int `json:"setPositions"`

	// LastUpdated is when the snapshot was taken
	LastUpdated time.Time `json:"lastUpdated"`
}
