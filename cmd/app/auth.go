package app

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/github"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const githubAuthTimeout = 10 * time.Second

// unauthenticated paths
var publicPaths = map[string]bool{"/": true, "/health": true}

// authMiddleware lets a request through when it carries the API key or a
// GitHub token of an allowed user. Without any of them configured every
// request is allowed.
func authMiddleware(apiKey string, gh *GithubAuthOpts, logger hclog.Logger) mux.MiddlewareFunc {
	if apiKey == "" && gh == nil {
		logger.Warn("no authentication configured, the API is open to anyone reaching it")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if apiKey != "" {
				if key := r.Header.Get("X-API-Key"); key != "" {
					if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
						next.ServeHTTP(w, r)
						return
					}
					unauthorized(w, errors.New("invalid API key"))
					return
				}
			}

			if gh != nil {
				if h := r.Header.Get("Authorization"); h != "" {
					// Header should be: "Authorization: Bearer <token>"
					parts := strings.Split(h, " ")
					if len(parts) != 2 || parts[0] != "Bearer" {
						unauthorized(w, errors.New("malformed 'Authorization' header"))
						return
					}
					opts := *gh
					opts.Token = parts[1]
					if err := GithubAuth(r.Context(), &opts); err != nil {
						logger.Debug("github authentication failed", "error", err)
						unauthorized(w, err)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
			}

			unauthorized(w, errors.New("missing credentials"))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	b, _ := jsonOutput(map[string]string{"error": "unauthenticated: " + err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write(b)
}

// GithubAuthOpts configured this auth backend
type GithubAuthOpts struct {
	Token        string
	Organization string
	AllowedUsers []string
	AllowedTeams []string
	// APIURL overrides the GitHub API endpoint, for GitHub Enterprise
	APIURL string
}

// GithubAuth validates if the provided Github personal token
// has access to the server by talking to the Github API.
func GithubAuth(ctx context.Context, gh *GithubAuthOpts) error {
	ctx, cancel := context.WithTimeout(ctx, githubAuthTimeout)
	defer cancel()

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: gh.Token},
	)
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if gh.APIURL != "" {
		u, err := url.Parse(strings.TrimSuffix(gh.APIURL, "/") + "/")
		if err != nil {
			return errors.Wrap(err, "invalid GitHub API URL")
		}
		client.BaseURL = u
	}

	// Get the user
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return errors.Wrap(err, "getting GitHub user")
	}

	// Verify that the user is part of the organization
	var allOrgs []*github.Organization
	orgOpt := &github.ListOptions{PerPage: 100}
	for {
		orgs, resp, err := client.Organizations.List(ctx, "", orgOpt)
		if err != nil {
			return errors.Wrap(err, "listing GitHub organizations")
		}
		allOrgs = append(allOrgs, orgs...)
		if resp.NextPage == 0 {
			break
		}
		orgOpt.Page = resp.NextPage
	}

	var org *github.Organization
	for _, o := range allOrgs {
		if strings.EqualFold(o.GetLogin(), gh.Organization) {
			org = o
			break
		}
	}
	if org == nil {
		return errors.New("user is not part of required org")
	}

	// If neither AllowedTeams not AllowedUsers is set, any user
	// that belongs to the organization is allowed
	if len(gh.AllowedTeams) == 0 && len(gh.AllowedUsers) == 0 {
		return nil
	}

	for _, u := range gh.AllowedUsers {
		if strings.EqualFold(user.GetLogin(), u) {
			return nil
		}
	}

	if len(gh.AllowedTeams) != 0 {
		var allTeams []*github.Team
		teamOpt := &github.ListOptions{PerPage: 100}
		for {
			teams, resp, err := client.Teams.ListUserTeams(ctx, teamOpt)
			if err != nil {
				return errors.Wrap(err, "listing GitHub teams")
			}
			allTeams = append(allTeams, teams...)
			if resp.NextPage == 0 {
				break
			}
			teamOpt.Page = resp.NextPage
		}

		for _, t := range allTeams {
			// We only care about teams that are part of the organization we use
			if t.GetOrganization().GetID() != org.GetID() {
				continue
			}
			for _, at := range gh.AllowedTeams {
				if strings.EqualFold(t.GetName(), at) || strings.EqualFold(t.GetSlug(), at) {
					return nil
				}
			}
		}
	}

	return errors.New("the user does not match any of the allowed users/teams")
}
