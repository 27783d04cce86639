// SPDX-License-Identifier: AGPL-3.0-or-later
package shared

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		data       interface{}
	}{
		{
			name:       "Write simple string data",
			statusCode: http.StatusOK,
			data:       "test data",
		},
		{
			name:       "Write struct data",
			statusCode: http.StatusCreated,
			data: map[string]string{
				"message": "created successfully",
			},
		},
		{
			name:       "Write nil data",
			statusCode: http.StatusOK,
			data:       nil,
		},
		{
			name:       "Write error status",
			statusCode: http.StatusBadRequest,
			data:       map[string]string{"error": "bad request"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()

			WriteJSON(w, tt.statusCode, tt.data)

			if w.Code != tt.statusCode {
				t.Errorf("Expected status code %d, got %d", tt.statusCode, w.Code)
			}

			if contentType := w.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", contentType)
			}

			var response Response
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}

			// Meta should not be present in simple WriteJSON
			if response.Meta != nil {
				t.Error("Expected Meta to be nil")
			}
		})
	}
}

func TestWriteJSONWithMeta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		data       interface{}
		meta       map[string]interface{}
	}{
		{
			name:       "Write with metadata",
			statusCode: http.StatusOK,
			data:       []string{"item1", "item2"},
			meta: map[string]interface{}{
				"count": 2,
				"page":  1,
			},
		},
		{
			name:       "Write with empty meta",
			statusCode: http.StatusOK,
			data:       "test",
			meta:       map[string]interface{}{},
		},
		{
			name:       "Write with nil meta",
			statusCode: http.StatusOK,
			data:       "test",
			meta:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()

			WriteJSONWithMeta(w, tt.statusCode, tt.data, tt.meta)

			if w.Code != tt.statusCode {
				t.Errorf("Expected status code %d, got %d", tt.statusCode, w.Code)
			}

			if contentType := w.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", contentType)
			}

			var response Response
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}

			// Check meta is present when provided
			if tt.meta != nil && len(tt.meta) > 0 {
				if response.Meta == nil {
					t.Error("Expected Meta to be present")
				}
			}
		})
	}
}
