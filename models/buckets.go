package models

import "fmt"

// BucketTotal is the size of an isolation group's bucket space.
const BucketTotal = 10000

// IsolationGroup is a named, instanced namespace of buckets.
type IsolationGroup struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	Application       Application       `json:"application"`
	Instance          int               `json:"instance"`
	Total             int               `json:"total"`
	// Allocated is the high-water mark: the width ever handed out, including
	// ranges since discarded.
	Allocated         int               `json:"allocated"`
	RandomizationUnit RandomizationUnit `json:"randomization_unit"`
}

// Namespace is the name clients see for this group instance.
func (g IsolationGroup) Namespace() string {
	return fmt.Sprintf("%s-%d", g.Name, g.Instance)
}

// BucketRange is an allocation of [Start, Start+Count) within an isolation group.
type BucketRange struct {
	ID             int64          `json:"id"`
	ExperimentSlug string         `json:"experiment_slug"`
	Group          IsolationGroup `json:"isolation_group"`
	Start          int            `json:"start"`
	Count          int            `json:"count"`
}

// End is the exclusive upper bound of the range.
func (r BucketRange) End() int {
	return r.Start + r.Count
}

// Overlaps reports whether r and o share a bucket within the same group instance.
func (r BucketRange) Overlaps(o BucketRange) bool {
	if r.Group.Name != o.Group.Name || r.Group.Application != o.Group.Application || r.Group.Instance != o.Group.Instance {
		return false
	}
	return r.Start < o.End() && o.Start < r.End()
}
