package metashare

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/exp/slices"
)

type UrlKind string

const (
	UrlList               UrlKind = "list"
	UrlDetail             UrlKind = "detail"
	UrlRefresh            UrlKind = "refresh"
	UrlCommit             UrlKind = "commit"
	UrlReassign           UrlKind = "reassign"
	UrlRefreshGitHubUsers UrlKind = "refresh_github_users"
)

// builds a url from an object id. list urls ignore the id.
type UrlBuilder func(id string) string

// ApiUrls maps (object type, url kind) to a url builder.
// It is injected into the dispatcher so routes are never ambient.
type ApiUrls struct {
	apiUrl   string
	builders map[ObjectType]map[UrlKind]UrlBuilder
}

func NewApiUrls(apiUrl string) *ApiUrls {
	return &ApiUrls{
		apiUrl:   strings.TrimRight(apiUrl, "/"),
		builders: map[ObjectType]map[UrlKind]UrlBuilder{},
	}
}

// DefaultApiUrls are the standard rest routes under `apiUrl`
func DefaultApiUrls(apiUrl string) *ApiUrls {
	urls := NewApiUrls(apiUrl)

	resource := func(objectType ObjectType, path string) {
		urls.Set(objectType, UrlList, func(string) string {
			return fmt.Sprintf("%s/api/%s/", urls.apiUrl, path)
		})
		urls.Set(objectType, UrlDetail, func(id string) string {
			return fmt.Sprintf("%s/api/%s/%s/", urls.apiUrl, path, url.PathEscape(id))
		})
	}
	action := func(objectType ObjectType, kind UrlKind, path string, suffix string) {
		urls.Set(objectType, kind, func(id string) string {
			return fmt.Sprintf("%s/api/%s/%s/%s/", urls.apiUrl, path, url.PathEscape(id), suffix)
		})
	}

	resource(ObjectTypeRepository, "repositories")
	resource(ObjectTypeProject, "projects")
	resource(ObjectTypeTask, "tasks")
	resource(ObjectTypeOrg, "scratch-orgs")
	resource(ObjectTypeCommit, "scratch-org-commits")

	action(ObjectTypeRepository, UrlRefreshGitHubUsers, "repositories", "refresh_github_users")
	action(ObjectTypeOrg, UrlRefresh, "scratch-orgs", "refresh")
	action(ObjectTypeOrg, UrlCommit, "scratch-orgs", "commit")
	action(ObjectTypeOrg, UrlReassign, "scratch-orgs", "reassign")

	urls.Set(ObjectTypeUser, UrlDetail, func(string) string {
		return fmt.Sprintf("%s/api/user/", urls.apiUrl)
	})
	urls.Set(ObjectTypeUser, UrlRefresh, func(string) string {
		return fmt.Sprintf("%s/api/user/refresh/", urls.apiUrl)
	})

	return urls
}

func (self *ApiUrls) Set(objectType ObjectType, kind UrlKind, builder UrlBuilder) {
	kinds, ok := self.builders[objectType]
	if !ok {
		kinds = map[UrlKind]UrlBuilder{}
		self.builders[objectType] = kinds
	}
	kinds[kind] = builder
}

// Url returns false when no route is configured
func (self *ApiUrls) Url(objectType ObjectType, kind UrlKind, id string) (string, bool) {
	if self == nil {
		return "", false
	}
	builder, ok := self.builders[objectType][kind]
	if !ok {
		return "", false
	}
	return builder(id), true
}

// WithQuery appends the filters as query parameters in key order
func WithQuery(baseUrl string, filters Filters) string {
	if len(filters) == 0 {
		return baseUrl
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	values := url.Values{}
	for _, key := range keys {
		values.Add(key, filters[key])
	}
	separator := "?"
	if strings.Contains(baseUrl, "?") {
		separator = "&"
	}
	return baseUrl + separator + values.Encode()
}
