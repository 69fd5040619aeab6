package till

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// EnsureStation loads the named station, registering it and its branch on
// first use. The caller commits.
func EnsureStation(ctx context.Context, st *store.Store, branchName, stationName string) (*Station, error) {
	if stationName == "" {
		return nil, errors.New("till: station name required")
	}
	station, err := store.Load[*Station](ctx, st, StationID(stationName))
	if err == nil {
		return station, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	branch, err := store.Load[*Branch](ctx, st, BranchID(branchName))
	if errors.Is(err, store.ErrNotFound) {
		branch = &Branch{ID: BranchID(branchName), Name: branchName}
		if err := st.Add(branch); err != nil {
			return nil, fmt.Errorf("till: add branch: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	station = &Station{ID: StationID(stationName), Name: stationName, BranchID: branch.ID}
	if err := st.Add(station); err != nil {
		return nil, fmt.Errorf("till: add station: %w", err)
	}
	return station, nil
}
