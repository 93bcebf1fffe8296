package metashare

import (
	"golang.org/x/exp/slices"
)

// ObjectList is the children of one parent id. Lists are never mutated in place;
// every merge returns a new list.
type ObjectList[T Model] struct {
	Objects []T
	// continuation url of the last fetched page, empty when there are no more pages
	Next    string
	Fetched bool
	// slugs the server reported as missing
	NotFound []string
}

func (self *ObjectList[T]) clone() *ObjectList[T] {
	if self == nil {
		return &ObjectList[T]{}
	}
	return &ObjectList[T]{
		Objects:  slices.Clone(self.Objects),
		Next:     self.Next,
		Fetched:  self.Fetched,
		NotFound: slices.Clone(self.NotFound),
	}
}

func (self *ObjectList[T]) Find(id string) (T, bool) {
	var empty T
	if self == nil {
		return empty, false
	}
	for _, object := range self.Objects {
		if object.ModelId() == id {
			return object, true
		}
	}
	return empty, false
}

// withPage merges one fetched page.
// With `reset` the prior objects and continuation are discarded.
// Ids that reappear keep their first position and take the most recently merged copy.
func (self *ObjectList[T]) withPage(objects []T, next string, reset bool) *ObjectList[T] {
	nextList := self.clone()
	if reset {
		nextList.Objects = nil
	}
	nextList.Objects = dedupeObjects(append(nextList.Objects, objects...))
	nextList.Next = next
	nextList.Fetched = true
	return nextList
}

// withObject replaces the object with the same id or appends it
func (self *ObjectList[T]) withObject(object T) *ObjectList[T] {
	nextList := self.clone()
	i := slices.IndexFunc(nextList.Objects, func(existing T) bool {
		return existing.ModelId() == object.ModelId()
	})
	if 0 <= i {
		nextList.Objects[i] = object
	} else {
		nextList.Objects = append(nextList.Objects, object)
	}
	return nextList
}

func (self *ObjectList[T]) withoutObject(id string) *ObjectList[T] {
	nextList := self.clone()
	nextList.Objects = slices.DeleteFunc(nextList.Objects, func(existing T) bool {
		return existing.ModelId() == id
	})
	return nextList
}

func (self *ObjectList[T]) withNotFound(slug string) *ObjectList[T] {
	nextList := self.clone()
	if slug != "" && !slices.Contains(nextList.NotFound, slug) {
		nextList.NotFound = append(nextList.NotFound, slug)
	}
	return nextList
}

func dedupeObjects[T Model](objects []T) []T {
	indexes := map[string]int{}
	deduped := make([]T, 0, len(objects))
	for _, object := range objects {
		if i, ok := indexes[object.ModelId()]; ok {
			deduped[i] = object
		} else {
			indexes[object.ModelId()] = len(deduped)
			deduped = append(deduped, object)
		}
	}
	return deduped
}

// typedObjects keeps the objects of the expected concrete type
func typedObjects[T Model](objects []Model) []T {
	typed := make([]T, 0, len(objects))
	for _, object := range objects {
		if t, ok := object.(T); ok {
			typed = append(typed, t)
		}
	}
	return typed
}

// FindBySlug resolves a current or historical slug.
// `redirect` is true when the slug is historical and the caller should move to the current slug.
func FindBySlug[T SluggedModel](list *ObjectList[T], slug string) (object T, redirect bool, ok bool) {
	if list == nil {
		return
	}
	for _, candidate := range list.Objects {
		if candidate.CurrentSlug() == slug {
			return candidate, false, true
		}
	}
	for _, candidate := range list.Objects {
		if slices.Contains(candidate.HistoricalSlugs(), slug) {
			return candidate, true, true
		}
	}
	return
}
