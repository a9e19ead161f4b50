package offline0

import (
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

const regionSep = "@"

// Generations maps each role to the tag that is current for it.
type Generations map[Role]string

// RegionName is the physical region name for role at tag, e.g. "shell@v8".
func RegionName(role Role, tag string) string {
	return string(role) + regionSep + tag
}

// ParseRegionName splits a region name back into role and tag.
func ParseRegionName(name string) (Role, string, bool) {
	i := strings.LastIndex(name, regionSep)
	if i <= 0 {
		return "", "", false
	}
	role, ok := parseRole(name[:i])
	if !ok {
		return "", "", false
	}
	return role, name[i+1:], true
}

func (g Generations) Region(role Role) string {
	return RegionName(role, g[role])
}

// Current lists the region names that survive activation, in role order.
func (g Generations) Current() []string {
	out := make([]string, 0, len(allRoles))
	for _, r := range allRoles {
		out = append(out, g.Region(r))
	}
	return out
}

func (g Generations) Equal(o Generations) bool {
	for _, r := range allRoles {
		if g[r] != o[r] {
			return false
		}
	}
	return true
}

func (g Generations) String() string {
	return strings.Join(g.Current(), ",")
}

// Collect deletes every region that is not current for g and returns the
// names it removed. Running it again is a no-op.
func (g Generations) Collect(store *Store) ([]string, error) {
	keep := make(map[string]struct{}, len(allRoles))
	for _, name := range g.Current() {
		keep[name] = struct{}{}
	}
	regions, err := store.Regions()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range regions {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := store.DeleteRegion(name); err != nil {
			return deleted, err
		}
		log.WithField("region", name).Info("deleted condemned region")
		deleted = append(deleted, name)
	}
	sort.Strings(deleted)
	return deleted, nil
}
