package store

import (
	"encoding/json"
	"fmt"

	"didregistry/internal/subject/models"
	id "didregistry/pkg/domain"
)

// Collection names of the per-subject substrate maps.
const (
	mapStatus         = "status"
	mapContexts       = "contexts"
	mapKeys           = "keys"
	mapAuthentication = "authentication"
	mapControllers    = "controllers"
	mapServices       = "services"
	mapCreated        = "created"
	mapUpdated        = "updated"
)

// collectionMaps lists every map except status, in write order.
var collectionMaps = []string{
	mapContexts, mapKeys, mapAuthentication, mapControllers, mapServices, mapCreated, mapUpdated,
}

// encodeCollections renders each non-empty collection of s. Empty collections
// are omitted so the caller removes their slot.
func encodeCollections(s *models.Subject) (map[string][]byte, error) {
	out := make(map[string][]byte, len(collectionMaps))
	put := func(name string, empty bool, v any) error {
		if empty {
			return nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = raw
		return nil
	}
	if err := put(mapContexts, len(s.Contexts) == 0, s.Contexts); err != nil {
		return nil, err
	}
	if err := put(mapKeys, len(s.Keys) == 0, s.Keys); err != nil {
		return nil, err
	}
	// an empty authentication set is still part of a valid record
	if err := put(mapAuthentication, s.Status != models.StatusValid, authOrEmpty(s.Authentication)); err != nil {
		return nil, err
	}
	if err := put(mapControllers, len(s.Controllers) == 0, s.Controllers); err != nil {
		return nil, err
	}
	if err := put(mapServices, len(s.Services) == 0, s.Services); err != nil {
		return nil, err
	}
	if err := put(mapCreated, s.Created == 0, s.Created); err != nil {
		return nil, err
	}
	if err := put(mapUpdated, s.Updated == 0, s.Updated); err != nil {
		return nil, err
	}
	return out, nil
}

func authOrEmpty(a models.AuthenticationSet) models.AuthenticationSet {
	if a == nil {
		return models.AuthenticationSet{}
	}
	return a
}

// decodeCollection fills the field of s named by map.
func decodeCollection(s *models.Subject, name string, raw []byte) error {
	var err error
	switch name {
	case mapContexts:
		err = json.Unmarshal(raw, &s.Contexts)
	case mapKeys:
		err = json.Unmarshal(raw, &s.Keys)
	case mapAuthentication:
		err = json.Unmarshal(raw, &s.Authentication)
	case mapControllers:
		var controllers []id.SubjectID
		err = json.Unmarshal(raw, &controllers)
		s.Controllers = controllers
	case mapServices:
		err = json.Unmarshal(raw, &s.Services)
	case mapCreated:
		err = json.Unmarshal(raw, &s.Created)
	case mapUpdated:
		err = json.Unmarshal(raw, &s.Updated)
	default:
		return fmt.Errorf("unknown collection %q", name)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
