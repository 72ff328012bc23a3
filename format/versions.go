package format

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/knights-analytics/servable/util/fileutil"
)

func VersionPath(root string, version int64) string {
	return fileutil.PathJoinSafe(root, strconv.FormatInt(version, 10))
}

// ListVersions returns the numeric version directories under root in ascending order.
// Entries that are not positive integers are ignored. A missing root has no versions.
func ListVersions(ctx context.Context, root string) ([]int64, error) {
	exists, err := fileutil.FileExistsContext(ctx, root)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	entries, err := fileutil.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	var versions []int64
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		v, parseErr := strconv.ParseInt(entry.Name, 10, 64)
		if parseErr != nil || v < 1 {
			continue
		}
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions, nil
}

func LatestVersion(ctx context.Context, root string) (int64, error) {
	versions, err := ListVersions(ctx, root)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("%w under %s", ErrNoVersions, root)
	}
	return versions[len(versions)-1], nil
}

// NextVersion returns one past the latest version, or 1 for an empty root.
func NextVersion(ctx context.Context, root string) (int64, error) {
	versions, err := ListVersions(ctx, root)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1] + 1, nil
}

// IsPopulated reports whether dir exists and contains at least one entry.
func IsPopulated(ctx context.Context, dir string) (bool, error) {
	exists, err := fileutil.FileExistsContext(ctx, dir)
	if err != nil || !exists {
		return false, err
	}
	entries, err := fileutil.List(ctx, dir)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
