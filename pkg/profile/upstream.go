package profile

import (
	"context"
	"errors"
	"fmt"

	errs "igproxy/pkg/errors"
	"igproxy/pkg/instagram"
)

// UserFetcher is the part of the Instagram client the adapter needs
type UserFetcher interface {
	FetchUserProfile(ctx context.Context, username string) (*instagram.User, error)
}

// InstagramFetcher adapts the Instagram client to Fetcher and translates its
// failures into service errors
type InstagramFetcher struct {
	client UserFetcher
}

// NewInstagramFetcher wraps client
func NewInstagramFetcher(client UserFetcher) *InstagramFetcher {
	return &InstagramFetcher{client: client}
}

// FetchProfile implements Fetcher
func (f *InstagramFetcher) FetchProfile(ctx context.Context, username string) (*Record, error) {
	user, err := f.client.FetchUserProfile(ctx, username)
	if err != nil {
		return nil, translate(username, err)
	}
	record := FromUser(username, user)
	return &record, nil
}

// translate maps upstream failures onto the client-visible taxonomy
func translate(username string, err error) error {
	var apiErr *errs.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case errs.ErrorTypeNotFound:
			return errs.Wrap(errs.KindProfileNotFound, fmt.Sprintf("@%s doesn't exist", username), err)
		case errs.ErrorTypeNetwork:
			return errs.Wrap(errs.KindUpstreamUnavailable, apiErr.Message, err)
		default:
			return errs.Wrap(errs.KindUpstreamFailure, apiErr.Message, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindUpstreamUnavailable, "request to Instagram timed out", err)
	}
	return errs.Wrap(errs.KindInternal, err.Error(), err)
}
