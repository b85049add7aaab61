package statuslist

import (
	"fmt"
	"strconv"
)

// Entry type names written into credentialStatus
const (
	EntryTypeBitstring      = "BitstringStatusListEntry"
	EntryTypeTerseBitstring = "TerseBitstringStatusListEntry"
	EntryType2021           = "StatusList2021Entry"
	EntryType2020           = "RevocationList2020Status"
)

// BuildEntry renders the credentialStatus entry for a reservation in the
// form its list type dictates. terseBase is only consulted for the terse
// form; listLength converts the (list, index) pair into a terse index.
func BuildEntry(res *Reservation, listType ListType, purpose StatusPurpose, listLength int, terseBase string) (interface{}, error) {
	switch listType {
	case TypeBitstringStatusList:
		return &BitstringStatusListEntry{
			ID:                   fmt.Sprintf("%s#%d", res.ListID, res.Index),
			Type:                 EntryTypeBitstring,
			StatusPurpose:        string(purpose),
			StatusListIndex:      strconv.Itoa(res.Index),
			StatusListCredential: res.ListID,
		}, nil
	case TypeTerseBitstringStatusList:
		// The terse form compresses (list, index) into one integer; the
		// consumer recovers the list by dividing by the list length.
		return &TerseBitstringStatusListEntry{
			Type:                   EntryTypeTerseBitstring,
			TerseStatusListBaseURL: terseBase,
			TerseStatusListIndex:   res.ListIndex*listLength + res.Index,
		}, nil
	case TypeStatusList2021:
		return &StatusList2021Entry{
			ID:                   fmt.Sprintf("%s#%d", res.ListID, res.Index),
			Type:                 EntryType2021,
			StatusPurpose:        string(purpose),
			StatusListIndex:      strconv.Itoa(res.Index),
			StatusListCredential: res.ListID,
		}, nil
	case TypeRevocationList2020:
		return &RevocationList2020Status{
			ID:                       fmt.Sprintf("%s#%d", res.ListID, res.Index),
			Type:                     EntryType2020,
			RevocationListIndex:      strconv.Itoa(res.Index),
			RevocationListCredential: res.ListID,
		}, nil
	default:
		return nil, NewStatusListError(ErrorInvalidType, "unknown status list type")
	}
}

// TerseListIndex splits a terse index into its (list index, bit index)
// pair for the given list length.
func TerseListIndex(terseIndex, listLength int) (int, int, error) {
	if terseIndex < 0 || listLength <= 0 {
		return 0, 0, NewStatusListError(ErrorInvalidIndex, "invalid terse index")
	}
	return terseIndex / listLength, terseIndex % listLength, nil
}
