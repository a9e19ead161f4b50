package offline0

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(RoutingConfig{
		DynamicPrefixes: []string{"/api/favorites", "/api/friends", "/api/teams"},
		ImageHosts:      []string{"Raw.GitHubUserContent.com"},
	})

	tests := []struct {
		name   string
		method string
		url    string
		want   RoutingClass
	}{
		{"post is ignored", http.MethodPost, "http://app.test/api/teams", Ignore},
		{"head is ignored", http.MethodHead, "http://app.test/", Ignore},
		{"extension scheme", http.MethodGet, "chrome-extension://abc/script.js", Ignore},
		{"favorites", http.MethodGet, "http://app.test/api/favorites", DynamicAPI},
		{"teams subpath", http.MethodGet, "https://app.test/api/teams/7?x=1", DynamicAPI},
		{"other api path", http.MethodGet, "http://app.test/api/pokemon", ShellStatic},
		{"image host", http.MethodGet, "https://raw.githubusercontent.com/sprites/1.png", RemoteImage},
		{"image host with port", http.MethodGet, "https://raw.githubusercontent.com:443/sprites/1.png", RemoteImage},
		{"shell", http.MethodGet, "http://app.test/app.js", ShellStatic},
		{"root", http.MethodGet, "http://app.test/", ShellStatic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mustRequest(t, tt.method, tt.url, nil)
			require.Equal(t, tt.want, c.Classify(req))
		})
	}
}

func TestClassifier_RelativeURLIsPassthrough(t *testing.T) {
	c := NewClassifier(RoutingConfig{})
	req := mustRequest(t, http.MethodGet, "/app.js", nil)
	require.Equal(t, Passthrough, c.Classify(req))

	req = mustRequest(t, http.MethodPost, "/api/teams", nil)
	require.Equal(t, Ignore, c.Classify(req))
}

func TestRoutingClass_String(t *testing.T) {
	require.Equal(t, "dynamic-api", DynamicAPI.String())
	require.Equal(t, "RoutingClass(42)", RoutingClass(42).String())
}
