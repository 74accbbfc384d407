package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
)

var (
	ErrGitHubTokenRequired = errors.New("GitHub token required")
	ErrGitHubAPIError      = errors.New("github api error")
)

const (
	// GitHubAPIBase is the public GitHub REST endpoint
	GitHubAPIBase = "https://api.github.com"

	githubPerPage    = 100
	githubMaxPages   = 50
	maxGitHubErrBody = 4 * 1024
)

// packageJSON holds the dependency sections of a package.json
type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// nextVersion returns the declared next version, preferring dependencies
func (p *packageJSON) nextVersion() (string, bool) {
	if v, ok := p.Dependencies["next"]; ok {
		return v, true
	}
	v, ok := p.DevDependencies["next"]
	return v, ok
}

// GitHubService lists repositories and finds the Next.js ones among them
type GitHubService struct {
	httpClient   *http.Client
	baseURL      string
	defaultToken string
}

// NewGitHubService creates a new GitHubService. defaultToken is used when a
// scan does not carry its own token.
func NewGitHubService(baseURL, defaultToken string) *GitHubService {
	if baseURL == "" {
		baseURL = GitHubAPIBase
	}
	return &GitHubService{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultToken: defaultToken,
	}
}

func (s *GitHubService) get(ctx context.Context, accessToken, path string, query url.Values) (*http.Response, error) {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	return s.httpClient.Do(req)
}

func githubFailure(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxGitHubErrBody))
	kind := apperror.KindPermanent
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = apperror.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		kind = apperror.KindTransient
	}
	return &apperror.ProviderAPIError{
		Provider:   "github",
		Operation:  operation,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%w: status code %d: %s", ErrGitHubAPIError, resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// reposPath picks the listing endpoint: an organization, a user, or the token owner
func reposPath(username, org string) string {
	switch {
	case org != "":
		return "/orgs/" + url.PathEscape(org) + "/repos"
	case username != "":
		return "/users/" + url.PathEscape(username) + "/repos"
	default:
		return "/user/repos"
	}
}

// GetRepositories fetches one page of repositories
func (s *GitHubService) GetRepositories(ctx context.Context, accessToken, username, org string, page int) ([]models.GitHubRepository, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{
		"page":     {fmt.Sprint(page)},
		"per_page": {fmt.Sprint(githubPerPage)},
		"type":     {"all"},
	}

	resp, err := s.get(ctx, accessToken, reposPath(username, org), q)
	if err != nil {
		logger.WithComponent("github").WithField("error", err.Error()).Error("GitHub API request for repositories failed")
		return nil, fmt.Errorf("failed to get repositories: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.WithComponent("github").WithField("status_code", resp.StatusCode).Warn("GitHub API returned non-OK status for repositories")
		return nil, githubFailure("list_repos", resp)
	}

	var repos []models.GitHubRepository
	if err := json.NewDecoder(resp.Body).Decode(&repos); err != nil {
		return nil, fmt.Errorf("failed to decode repositories: %w", err)
	}
	return repos, nil
}

// GetPackageJSON returns the repository's root package.json, or nil when it has none
func (s *GitHubService) GetPackageJSON(ctx context.Context, accessToken, fullName string) (*packageJSON, error) {
	resp, err := s.get(ctx, accessToken, "/repos/"+fullName+"/contents/package.json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get package.json: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, githubFailure("get_contents", resp)
	}

	var file struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode contents: %w", err)
	}
	raw := []byte(file.Content)
	if file.Encoding == "base64" {
		// the API wraps base64 content at 60 columns
		raw, err = base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("failed to decode package.json: %w", err)
		}
	}

	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}
	return &pkg, nil
}

// ScanNextRepos pages through the repositories of org, username or the token
// owner and keeps those whose package.json depends on next. Repositories whose
// package.json cannot be read are skipped.
func (s *GitHubService) ScanNextRepos(ctx context.Context, req models.ScanGitHubRequest) ([]models.NextRepo, error) {
	token := req.Token
	if token == "" {
		token = s.defaultToken
	}
	if token == "" {
		return nil, apperror.NewValidation("token", ErrGitHubTokenRequired.Error())
	}

	log := logger.WithComponent("github").WithFields(map[string]interface{}{
		"username": req.Username,
		"org":      req.Org,
	})

	found := []models.NextRepo{}
	scanned := 0
	for page := 1; page <= githubMaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		repos, err := s.GetRepositories(ctx, token, req.Username, req.Org, page)
		if err != nil {
			return found, err
		}
		if len(repos) == 0 {
			break
		}

		for _, repo := range repos {
			scanned++
			pkg, err := s.GetPackageJSON(ctx, token, repo.FullName)
			if err != nil {
				log.WithField("repo", repo.FullName).WithField("error", err.Error()).Debug("Skipping repository")
				continue
			}
			if pkg == nil {
				continue
			}
			version, ok := pkg.nextVersion()
			if !ok {
				continue
			}
			branch := repo.DefaultBranch
			if branch == "" {
				branch = "main"
			}
			found = append(found, models.NextRepo{
				Name:          repo.Name,
				FullName:      repo.FullName,
				CloneURL:      repo.CloneURL,
				SSHURL:        repo.SSHURL,
				DefaultBranch: branch,
				NextVersion:   version,
				Private:       repo.Private,
			})
		}

		if len(repos) < githubPerPage {
			break
		}
	}

	log.WithFields(map[string]interface{}{
		"scanned": scanned,
		"found":   len(found),
	}).Info("GitHub scan finished")
	return found, nil
}
