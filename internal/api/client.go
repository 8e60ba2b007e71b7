// Package api provides the typed HTTP client for the remote authority.
// All failures come back classified against the core error taxonomy;
// callers decide retry behavior from the code, never from raw errors.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/models"
)

// Remote endpoint paths. Offline actions carry one of these as their
// target so a queued mutation replays against the same contract.
const (
	EndpointHealth      = "/api/health"
	EndpointProfile     = "/api/profile"
	EndpointCourses     = "/api/courses"
	EndpointEnrollments = "/api/enrollments"
	EndpointProgress    = "/api/progress"
	EndpointQuizzes     = "/api/quiz-submissions"
)

// Client talks to the remote course platform.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a Client. Per-call deadlines come from the caller's
// context; the transport itself carries no global timeout so probe and
// sync deadlines stay independent.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{},
	}
}

// Ping hits the lightweight liveness endpoint. Success is any 2xx with no
// body expected. The caller bounds the call with a context deadline.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, EndpointHealth, nil, nil)
}

// GetProfile fetches the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*models.UserProfile, error) {
	var profile models.UserProfile
	if err := c.do(ctx, http.MethodGet, EndpointProfile, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateProfile pushes profile changes to the remote authority.
func (c *Client) UpdateProfile(ctx context.Context, profile *models.UserProfile) error {
	return c.do(ctx, http.MethodPut, EndpointProfile, profile, nil)
}

// ListCourses fetches a page of the course catalog.
func (c *Client) ListCourses(ctx context.Context, limit, offset int) ([]models.CachedCourse, error) {
	path := fmt.Sprintf("%s?limit=%d&offset=%d", EndpointCourses, limit, offset)
	var courses []models.CachedCourse
	if err := c.do(ctx, http.MethodGet, path, nil, &courses); err != nil {
		return nil, err
	}
	return courses, nil
}

// GetCourse fetches one course with its full content tree.
func (c *Client) GetCourse(ctx context.Context, courseID string) (*models.CachedCourse, error) {
	var course models.CachedCourse
	path := EndpointCourses + "/" + url.PathEscape(courseID)
	if err := c.do(ctx, http.MethodGet, path, nil, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

// ListEnrolledCourses fetches the courses the user is enrolled in.
func (c *Client) ListEnrolledCourses(ctx context.Context) ([]models.CachedCourse, error) {
	var courses []models.CachedCourse
	if err := c.do(ctx, http.MethodGet, EndpointEnrollments, nil, &courses); err != nil {
		return nil, err
	}
	return courses, nil
}

// ListProgress fetches the user's progress records from the remote
// authority, used to merge multi-device progress after a drain.
func (c *Client) ListProgress(ctx context.Context) ([]models.ProgressRecord, error) {
	var records []models.ProgressRecord
	if err := c.do(ctx, http.MethodGet, EndpointProgress, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Deliver replays one queued offline action against its target endpoint.
func (c *Client) Deliver(ctx context.Context, action *models.OfflineAction) error {
	var body any
	if len(action.Payload) > 0 {
		body = json.RawMessage(action.Payload)
	}
	return c.do(ctx, action.Method, action.Endpoint, body, nil)
}

// do executes one request. Transport failures classify as transient
// network errors; HTTP statuses classify per the taxonomy (4xx outside
// 408/429 is an authoritative rejection).
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassifyNetErr(err), fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := apperrors.ClassifyHTTPStatus(resp.StatusCode)
		return apperrors.New(code, fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, string(snippet)))
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "failed to decode response", err)
		}
	}
	return nil
}
