// Package notifier deploys Automation Anywhere bots that deliver digests and
// detection alerts by email or Teams.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/render"
	"github.com/pathfinder/pathfinder/pkg/retry"
)

const (
	deployPath      = "/v3/automations/deploy"
	authPath        = "/v2/authentication"
	defaultTimeout  = 30 * time.Second
	defaultPriority = "PRIORITY_MEDIUM"
	alertPriority   = "PRIORITY_HIGH"
)

var (
	ErrUnknownChannel = errors.New("unknown notification channel")
	ErrNotConfigured  = errors.New("bot not configured")
)

type botInput struct {
	Type   string `json:"type"`
	String string `json:"string"`
}

type deployRequest struct {
	BotID              int                 `json:"botId"`
	AutomationName     string              `json:"automationName"`
	Description        string              `json:"description"`
	BotInput           map[string]botInput `json:"botInput"`
	AutomationPriority string              `json:"automationPriority"`
	RunElevated        bool                `json:"runElevated"`
	HideBotAgentUI     bool                `json:"hideBotAgentUi"`
}

type authRequest struct {
	Username      string `json:"username"`
	APIKey        string `json:"apiKey"`
	MultipleLogin bool   `json:"multipleLogin"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Deployment identifies a started bot run.
type Deployment struct {
	DeploymentID string `json:"deploymentId"`
	AutomationID string `json:"automationId"`
}

func (d Deployment) ID() string {
	if d.DeploymentID != "" {
		return d.DeploymentID
	}
	return d.AutomationID
}

type Client struct {
	http     *resty.Client
	cfg      config.NotifierConfig
	authURL  string
	renderer *render.Renderer
	logger   *zap.Logger

	mu    sync.Mutex
	token string
}

func NewClient(cfg config.NotifierConfig, renderer *render.Renderer, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := strings.TrimRight(cfg.ControlRoomURL, "/")
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = base + authPath
	}
	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		cfg:      cfg,
		authURL:  authURL,
		renderer: renderer,
		logger:   logger,
	}
}

// SendDigest routes the digest to the bot of its channel.
func (c *Client) SendDigest(ctx context.Context, payload model.DigestPayload) (*Deployment, error) {
	inputs, botID, name, err := c.digestInputs(payload)
	if err != nil {
		return nil, err
	}
	deployment, err := c.deploy(ctx, botID, name, inputs, c.priority())
	if err != nil {
		return nil, err
	}
	c.logger.Info("digest deployed",
		zap.String("channel", string(payload.Channel)),
		zap.Time("week_start", payload.WeekStart),
		zap.Int("total_count", payload.TotalCount),
		zap.String("deployment_id", deployment.ID()),
	)
	return deployment, nil
}

// SendDetectionAlert deploys the alert bot for one detection.
func (c *Client) SendDetectionAlert(ctx context.Context, msg model.DetectionMessage) (*Deployment, error) {
	botID := c.cfg.AlertBotID
	if botID == 0 {
		botID = c.cfg.EmailBotID
	}
	body, err := c.renderer.AlertEmail(msg)
	if err != nil {
		return nil, err
	}
	inputs := map[string]string{
		"emailTo":      strings.Join(c.cfg.EmailRecipients, ";"),
		"emailSubject": render.AlertSubject(msg),
		"emailBody":    body,
		"isHTML":       "true",
		"userId":       msg.UserID,
		"detectedAt":   msg.DetectedAt.UTC().Format(time.RFC3339),
	}
	return c.deploy(ctx, botID, "Senior Executive Detection Alert", inputs, alertPriority)
}

func (c *Client) digestInputs(p model.DigestPayload) (map[string]string, int, string, error) {
	weekStart := p.WeekStart.Format("2006-01-02")
	weekEnd := p.WeekEnd.AddDate(0, 0, -1).Format("2006-01-02")
	total := strconv.Itoa(p.TotalCount)

	switch p.Channel {
	case model.ChannelEmail:
		body, err := c.renderer.DigestEmail(p)
		if err != nil {
			return nil, 0, "", err
		}
		return map[string]string{
			"emailTo":      strings.Join(c.cfg.EmailRecipients, ";"),
			"emailSubject": render.DigestSubject(p),
			"emailBody":    body,
			"isHTML":       "true",
			"weekStart":    weekStart,
			"weekEnd":      weekEnd,
			"totalCount":   total,
		}, c.cfg.EmailBotID, "Email Bot", nil
	case model.ChannelTeams:
		text, err := c.renderer.DigestTeams(p)
		if err != nil {
			return nil, 0, "", err
		}
		return map[string]string{
			"teamsChannelWebhook": c.cfg.TeamsWebhookURL,
			"messageText":         text,
			"messageType":         "markdown",
			"weekStart":           weekStart,
			"weekEnd":             weekEnd,
			"totalCount":          total,
		}, c.cfg.TeamsBotID, "Teams Bot", nil
	default:
		return nil, 0, "", fmt.Errorf("%w: %q", ErrUnknownChannel, p.Channel)
	}
}

func (c *Client) priority() string {
	if c.cfg.AutomationPriority != "" {
		return c.cfg.AutomationPriority
	}
	return defaultPriority
}

func (c *Client) deploy(ctx context.Context, botID int, name string, inputs map[string]string, priority string) (*Deployment, error) {
	if botID == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}

	formatted := make(map[string]botInput, len(inputs))
	for k, v := range inputs {
		formatted[k] = botInput{Type: "STRING", String: v}
	}
	req := deployRequest{
		BotID:              botID,
		AutomationName:     name,
		Description:        "Deployed by Pathfinder - " + name,
		BotInput:           formatted,
		AutomationPriority: priority,
	}

	resp, deployment, err := c.postDeploy(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		// Token expired; authenticate again once.
		c.clearToken()
		resp, deployment, err = c.postDeploy(ctx, req)
		if err != nil {
			return nil, err
		}
	}
	if err := statusError("deploy "+name, resp); err != nil {
		return nil, err
	}
	return deployment, nil
}

func (c *Client) postDeploy(ctx context.Context, req deployRequest) (*resty.Response, *Deployment, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	var deployment Deployment
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Authorization", token).
		SetBody(req).
		SetResult(&deployment).
		Post(deployPath)
	if err != nil {
		return nil, nil, retry.Transient(fmt.Errorf("deploy bot %d: %w", req.BotID, err))
	}
	return resp, &deployment, nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	var result authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(authRequest{Username: c.cfg.Username, APIKey: c.cfg.APIKey}).
		SetResult(&result).
		Post(c.authURL)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("authenticate: %w", err))
	}
	if err := statusError("authenticate", resp); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", errors.New("authenticate: response carried no token")
	}
	c.token = result.Token
	return c.token, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// statusError maps HTTP failures to errors; 429 and 5xx are transient.
func statusError(op string, resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return retry.Transient(err)
	}
	return err
}
