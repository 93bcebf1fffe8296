package metashare

import (
	"context"
	"errors"
	"net/http"

	"github.com/golang/glog"
)

// orgConcern runs one concern track: requested, then accepted with the server's snapshot
// or rejected. The concern stays in flight after acceptance until the matching push arrives.
func (self *Actions) orgConcern(
	ctx context.Context,
	org *Org,
	concern OrgConcern,
	method string,
	url func() (string, error),
	body any,
) (*Org, error) {
	self.dispatch(&OrgConcernEvent{
		Concern: concern,
		Phase:   OrgRequested,
		Org:     org,
	})

	reject := func(err error) (*Org, error) {
		glog.Infof("[actions]%s %s = %s\n", concern, org.Id, err)
		self.dispatch(&OrgConcernEvent{
			Concern: concern,
			Phase:   OrgRejected,
			Org:     org,
			Message: errorDetails(err),
		})
		return nil, err
	}

	requestUrl, err := url()
	if err != nil {
		return reject(err)
	}
	responseBody, err := self.requester.Request(ctx, method, requestUrl, body)
	if err != nil {
		return reject(err)
	}

	accepted := withConcernFlag(org, concern, true)
	if object, err := decodeFirst(ObjectTypeOrg, responseBody); err == nil && object != nil {
		if responseOrg, ok := object.(*Org); ok && responseOrg.Id == org.Id {
			accepted = responseOrg
		}
	}
	self.dispatch(&OrgConcernEvent{
		Concern: concern,
		Phase:   OrgAccepted,
		Org:     accepted,
	})
	return accepted, nil
}

// RefetchOrg asks the server to check the org for unsaved changes.
// The result arrives as an org update push.
func (self *Actions) RefetchOrg(ctx context.Context, org *Org) (*Org, error) {
	return self.orgConcern(
		ctx,
		org,
		ConcernRefreshChanges,
		http.MethodGet,
		func() (string, error) {
			url, err := self.url(ObjectTypeOrg, UrlDetail, org.Id)
			if err != nil {
				return "", err
			}
			return WithQuery(url, Filters{"get_unsaved_changes": "true"}), nil
		},
		nil,
	)
}

// RefreshOrg rebuilds the org from the task's latest commit
func (self *Actions) RefreshOrg(ctx context.Context, org *Org) (*Org, error) {
	return self.orgConcern(
		ctx,
		org,
		ConcernRefreshOrg,
		http.MethodPost,
		func() (string, error) {
			return self.url(ObjectTypeOrg, UrlRefresh, org.Id)
		},
		nil,
	)
}

type CommitChangesArgs struct {
	CommitMessage   string              `json:"commit_message"`
	Changes         map[string][]string `json:"changes"`
	TargetDirectory string              `json:"target_directory,omitempty"`
}

// CommitChanges captures the selected unsaved changes as a commit on the task branch
func (self *Actions) CommitChanges(ctx context.Context, org *Org, args *CommitChangesArgs) (*Org, error) {
	return self.orgConcern(
		ctx,
		org,
		ConcernCaptureChanges,
		http.MethodPost,
		func() (string, error) {
			return self.url(ObjectTypeOrg, UrlCommit, org.Id)
		},
		args,
	)
}

type reassignArgs struct {
	Email string `json:"email"`
}

func (self *Actions) ReassignOrg(ctx context.Context, org *Org, email string) (*Org, error) {
	return self.orgConcern(
		ctx,
		org,
		ConcernReassignUser,
		http.MethodPost,
		func() (string, error) {
			return self.url(ObjectTypeOrg, UrlReassign, org.Id)
		},
		&reassignArgs{
			Email: email,
		},
	)
}

// RefreshRepositories asks the server to resync the user's repositories.
// Completion arrives as a repositories refreshed push.
func (self *Actions) RefreshRepositories(ctx context.Context) error {
	event := func(phase Phase, _ struct{}) Event {
		return &RepositoriesRefreshEvent{
			Phase: phase,
		}
	}
	_, err := lifecycle(self, event, func() (struct{}, error) {
		url, err := self.url(ObjectTypeUser, UrlRefresh, "")
		if err != nil {
			return struct{}{}, err
		}
		_, err = self.requester.Request(ctx, http.MethodPost, url, nil)
		return struct{}{}, err
	})
	return err
}

// RefreshGitHubUsers asks the server to resync the repository collaborators.
// Completion arrives as a repository update push.
func (self *Actions) RefreshGitHubUsers(ctx context.Context, repository *Repository) error {
	event := func(phase Phase, _ struct{}) Event {
		return &GitHubUsersRefreshEvent{
			Phase:      phase,
			Repository: repository,
		}
	}
	_, err := lifecycle(self, event, func() (struct{}, error) {
		url, err := self.url(ObjectTypeRepository, UrlRefreshGitHubUsers, repository.Id)
		if err != nil {
			return struct{}{}, err
		}
		_, err = self.requester.Request(ctx, http.MethodPost, url, nil)
		return struct{}{}, err
	})
	return err
}

// RefreshUser reloads the session user
func (self *Actions) RefreshUser(ctx context.Context) (*User, error) {
	url, err := self.url(ObjectTypeUser, UrlDetail, "")
	if err != nil {
		return nil, err
	}
	body, err := self.requester.Request(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	object, err := decodeObject(ObjectTypeUser, body)
	if err != nil {
		return nil, err
	}
	user := object.(*User)
	self.dispatch(&UserRefreshedEvent{
		User: user,
	})
	return user, nil
}

func errorDetails(err error) string {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
