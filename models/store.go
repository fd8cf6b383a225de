package models

import "sort"

// StoreRootKey wraps the listing map in the persisted document.
const StoreRootKey = "newListings"

// Store maps a listing id to its record.
type Store map[string]*Listing

// StoreDocument is the on-disk shape of a Store.
type StoreDocument struct {
	NewListings Store `json:"newListings"`
}

// Keys returns the store's ids in sorted order.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies every record.
func (s Store) Clone() Store {
	out := make(Store, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}

// FindByURL returns the listing whose listingUrl equals url.
func (s Store) FindByURL(url string) (*Listing, bool) {
	for _, k := range s.Keys() {
		if l := s[k]; l != nil && l.ListingURL == url {
			return l, true
		}
	}
	return nil, false
}
