package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"

	"pushdeploy/internal/domain"
	"pushdeploy/internal/service"
)

// ErrInvalidPayload is returned for push bodies that cannot be used
var ErrInvalidPayload = errors.New("invalid push payload")

// Push is the part of a push event needed to pick and describe a deployment
type Push struct {
	Repository    string
	Ref           string
	Branch        string // empty unless Ref is a branch ref
	CommitSHA     string
	CommitMessage string
	Pusher        string
}

// ParsePush decodes a GitHub push event body
func ParsePush(body []byte) (*Push, error) {
	var event github.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	repository := repositoryName(event.GetRepo())
	if repository == "" {
		return nil, fmt.Errorf("%w: missing repository", ErrInvalidPayload)
	}

	ref := event.GetRef()
	if ref == "" {
		return nil, fmt.Errorf("%w: missing ref", ErrInvalidPayload)
	}

	push := &Push{
		Repository: repository,
		Ref:        ref,
		Branch:     service.BranchFromRef(ref),
		CommitSHA:  event.GetAfter(),
	}

	// Prefer head_commit, then the newest listed commit
	commit := event.GetHeadCommit()
	if commit == nil && len(event.Commits) > 0 {
		commit = event.Commits[len(event.Commits)-1]
	}
	if commit != nil {
		if id := commit.GetID(); id != "" {
			push.CommitSHA = id
		}
		push.CommitMessage = commit.GetMessage()
	}

	pusher := event.GetPusher()
	push.Pusher = pusher.GetName()
	if push.Pusher == "" {
		push.Pusher = pusher.GetLogin()
	}

	return push, nil
}

// repositoryName prefers full_name and otherwise rebuilds owner/name
func repositoryName(repo *github.PushEventRepository) string {
	if repo == nil {
		return ""
	}
	if full := repo.GetFullName(); full != "" {
		return full
	}

	name := repo.GetName()
	owner := repo.GetOwner().GetLogin()
	if owner == "" {
		owner = repo.GetOwner().GetName()
	}
	if owner == "" || name == "" {
		return ""
	}
	return owner + "/" + name
}

// Trigger converts the push into deployment trigger metadata
func (p *Push) Trigger() domain.Trigger {
	return domain.Trigger{
		Ref:           p.Ref,
		Branch:        p.Branch,
		CommitSHA:     p.CommitSHA,
		CommitMessage: p.CommitMessage,
		Source:        domain.SourceWebhook,
		Pusher:        p.Pusher,
	}
}
