// Package api is the worker's client for the control plane: claiming work,
// reporting liveness, and notifying progress, completion and failure.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Identity describes the worker in every report. Empty fields are omitted.
type Identity struct {
	MachineID          string `json:"machine_id,omitempty"`
	ContainerGroupID   string `json:"container_group_id,omitempty"`
	ContainerGroupName string `json:"container_group_name,omitempty"`
	OrganizationName   string `json:"organization_name,omitempty"`
	ProjectName        string `json:"project_name,omitempty"`
	WorkerID           string `json:"worker_id,omitempty"`
}

// Notification is the body of the progress, complete and fail reports.
type Notification struct {
	BucketName string `json:"bucket_name,omitempty"`
	Key        string `json:"key,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Identity
}

// Notification kinds map to control-plane endpoints.
type NotifyKind string

const (
	NotifyProgress NotifyKind = "progress"
	NotifyComplete NotifyKind = "complete"
	NotifyFailed   NotifyKind = "fail"
)

// Client talks to the control plane.
type Client struct {
	session  *Session
	identity Identity
}

// NewClient creates a control-plane client over an existing session.
func NewClient(session *Session, identity Identity) *Client {
	return &Client{session: session, identity: identity}
}

// Session returns the underlying HTTP session.
func (c *Client) Session() *Session {
	return c.session
}

// GetWork claims the next job. It returns (nil, nil) when the queue is empty.
func (c *Client) GetWork(ctx context.Context) (*Job, error) {
	req, err := c.session.NewRequest(ctx, http.MethodGet, "/work", nil, nil)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	if err := c.session.Do(req, "get work", &jobs); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Heartbeat reports liveness for jobID. A 400 response means the job was
// canceled and is reported as ErrJobCanceled.
func (c *Client) Heartbeat(ctx context.Context, jobID string) error {
	path := "/heartbeat/" + url.PathEscape(jobID)
	req, err := c.session.NewJSONRequest(ctx, http.MethodPost, path, nil, c.identity)
	if err != nil {
		return err
	}

	err = c.session.Do(req, "heartbeat", nil)
	if IsStatus(err, http.StatusBadRequest) {
		return errors.Join(ErrJobCanceled, err)
	}
	return err
}

// Notify sends a progress, complete or fail report referencing bucket/key.
func (c *Client) Notify(ctx context.Context, kind NotifyKind, bucket, key, jobID string) error {
	body := Notification{
		BucketName: bucket,
		Key:        key,
		JobID:      jobID,
		Identity:   c.identity,
	}
	req, err := c.session.NewJSONRequest(ctx, http.MethodPost, "/"+string(kind), nil, body)
	if err != nil {
		return err
	}
	if err := c.session.Do(req, fmt.Sprintf("notify %s", kind), nil); err != nil {
		return err
	}
	return nil
}
