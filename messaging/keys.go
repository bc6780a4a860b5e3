// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
)

// QueryKeys fetches device keys for the users in request.DeviceKeys.
// An empty device list for a user means all of that user's devices.
func (s *DirectSession) QueryKeys(ctx context.Context, request KeysQueryRequest) (*KeysQueryResponse, error) {
	var response KeysQueryResponse
	if err := s.call(ctx, http.MethodPost, pathKeysQuery, nil, request, &response); err != nil {
		return nil, fmt.Errorf("messaging: querying keys of %d users: %w", len(request.DeviceKeys), err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key per requested device. Devices with
// no keys left are absent from the response.
func (s *DirectSession) ClaimKeys(ctx context.Context, request KeysClaimRequest) (*KeysClaimResponse, error) {
	var response KeysClaimResponse
	if err := s.call(ctx, http.MethodPost, pathKeysClaim, nil, request, &response); err != nil {
		return nil, fmt.Errorf("messaging: claiming one-time keys: %w", err)
	}
	return &response, nil
}

// UploadKeys publishes device keys, one-time keys, or both, and
// returns the server's remaining one-time key counts by algorithm.
func (s *DirectSession) UploadKeys(ctx context.Context, request KeysUploadRequest) (map[string]int, error) {
	var response KeysUploadResponse
	if err := s.call(ctx, http.MethodPost, pathKeysUpload, nil, request, &response); err != nil {
		return nil, fmt.Errorf("messaging: uploading %d one-time keys: %w", len(request.OneTimeKeys), err)
	}
	return response.OneTimeKeyCounts, nil
}
