package client

import (
	"context"
	"fmt"
	"runtime"

	"github.com/memoryx/memoryx/pkg/fingerprint"
)

// Connect resolves this machine's identity against the server: stored
// credentials are reused when present, otherwise the machine fingerprint
// auto-registers and the issued key is persisted.
func Connect(ctx context.Context, baseURL, agentType, agentName string) (*APIClient, Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return nil, Credentials{}, err
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		return nil, Credentials{}, err
	}
	if creds.APIKey != "" && creds.BaseURL == baseURL {
		return NewAPIClient(baseURL, creds.APIKey), creds, nil
	}

	api := NewAPIClient(baseURL, "")
	machine := fingerprint.Collect()
	reg, err := api.AutoRegister(ctx, machine.Sum(), agentType, agentName, runtime.GOOS, runtime.Version())
	if err != nil {
		return nil, Credentials{}, fmt.Errorf("auto-registering: %w", err)
	}

	creds = Credentials{
		BaseURL:   baseURL,
		APIKey:    reg.APIKey,
		AgentID:   reg.AgentID,
		ProjectID: reg.ProjectID,
	}
	if err := SaveCredentials(path, creds); err != nil {
		return nil, Credentials{}, err
	}

	return api, creds, nil
}
