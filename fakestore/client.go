// Package fakestore is a typed client for the Fake Store API
// (https://fakestoreapi.com) built on a fetchkit Repository.
package fakestore

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/MustafaHasria/fetchkit"
	"github.com/MustafaHasria/fetchkit/auth"
)

// DefaultBaseURL is the public Fake Store API.
const DefaultBaseURL = "https://fakestoreapi.com"

// ErrMissingCredentials is returned by Login when the username or password is blank.
var ErrMissingCredentials = errors.New("fakestore: username and password are required")

// Rating is the aggregated customer rating of a product.
type Rating struct {
	Rate  float64 `json:"rate"`
	Count int     `json:"count"`
}

// Product is one catalogue entry.
type Product struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Image       string  `json:"image"`
	Rating      Rating  `json:"rating"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// ProductsKey identifies the product list.
func ProductsKey() fetchkit.RequestKey {
	return fetchkit.KeyOf("products")
}

// ProductKey identifies a single product.
func ProductKey(id int) fetchkit.RequestKey {
	return fetchkit.KeyOf("products/" + strconv.Itoa(id))
}

type settings struct {
	baseURL          string
	transportConfig  *fetchkit.TransportConfig
	transportOptions []fetchkit.TransportOption
	repoOptions      []fetchkit.Option
	authOptions      []auth.Option
	logger           fetchkit.Logger
}

// Option configures a Client.
type Option func(*settings)

// WithBaseURL points the client at another server, e.g. a test server.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
	}
}

// WithTransportConfig replaces the transport settings. Its BaseURL is used
// unless WithBaseURL is also given.
func WithTransportConfig(config fetchkit.TransportConfig) Option {
	return func(s *settings) {
		s.transportConfig = &config
	}
}

// WithTransportOptions adds options for the underlying HTTPTransport.
func WithTransportOptions(options ...fetchkit.TransportOption) Option {
	return func(s *settings) {
		s.transportOptions = append(s.transportOptions, options...)
	}
}

// WithRepositoryOptions adds options for the underlying Repository.
func WithRepositoryOptions(options ...fetchkit.Option) Option {
	return func(s *settings) {
		s.repoOptions = append(s.repoOptions, options...)
	}
}

// WithAuthOptions adds options for the token manager.
func WithAuthOptions(options ...auth.Option) Option {
	return func(s *settings) {
		s.authOptions = append(s.authOptions, options...)
	}
}

// WithLogger sets the logger shared by the client, transport and token manager.
func WithLogger(logger fetchkit.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// Client reads the catalogue and manages the login session.
type Client struct {
	repo   *fetchkit.Repository
	auth   *auth.Manager
	logger fetchkit.Logger
}

// New wires a transport, repository and token manager together.
func New(options ...Option) (*Client, error) {
	s := &settings{logger: fetchkit.NopLogger()}
	for _, option := range options {
		option(s)
	}

	config := fetchkit.DefaultTransportConfig()
	if s.transportConfig != nil {
		config = *s.transportConfig
	}
	switch {
	case s.baseURL != "":
		config.BaseURL = s.baseURL
	case config.BaseURL == "":
		config.BaseURL = DefaultBaseURL
	}

	c := &Client{logger: s.logger}
	authOptions := append([]auth.Option{auth.WithLogger(s.logger)}, s.authOptions...)
	c.auth = auth.NewManager(c.requestToken, authOptions...)

	transportOptions := append([]fetchkit.TransportOption{
		fetchkit.WithRequestHook(c.auth.Authorize),
		fetchkit.WithTransportLogger(s.logger),
	}, s.transportOptions...)
	transport, err := fetchkit.NewHTTPTransport(config, transportOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "create transport")
	}

	repoOptions := append([]fetchkit.Option{fetchkit.WithLogger(s.logger)}, s.repoOptions...)
	repo, err := fetchkit.New(transport, repoOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "create repository")
	}
	c.repo = repo
	return c, nil
}

// Repository exposes the underlying repository, e.g. for Invalidate or Store.
func (c *Client) Repository() *fetchkit.Repository {
	return c.repo
}

// Auth exposes the token manager.
func (c *Client) Auth() *auth.Manager {
	return c.auth
}

// Close releases the repository.
func (c *Client) Close() {
	c.repo.Close()
}

// Products returns the whole catalogue.
func (c *Client) Products(ctx context.Context, opts ...fetchkit.FetchOption) ([]Product, error) {
	return fetchkit.Fetch[[]Product](ctx, c.repo, ProductsKey(), opts...)
}

// Product returns the product with id.
func (c *Client) Product(ctx context.Context, id int, opts ...fetchkit.FetchOption) (Product, error) {
	return fetchkit.Fetch[Product](ctx, c.repo, ProductKey(id), opts...)
}

// Login exchanges credentials for a token and keeps both for later refreshes.
func (c *Client) Login(ctx context.Context, username, password string) error {
	creds := auth.Credentials{Username: strings.TrimSpace(username), Password: password}
	if creds.Username == "" || strings.TrimSpace(password) == "" {
		return ErrMissingCredentials
	}

	token, err := c.requestToken(ctx, creds)
	if err != nil {
		c.logger.Warn("Login failed", "username", creds.Username, "error", err.Error())
		return err
	}
	c.auth.SaveToken(token)
	c.auth.SaveCredentials(creds)
	c.logger.Info("Logged in", "username", creds.Username)
	return nil
}

// Logout forgets the session and every cached response.
func (c *Client) Logout() {
	c.auth.Clear()
	c.repo.InvalidateAll()
	c.logger.Info("Logged out")
}

// LoggedIn reports whether a valid token is held.
func (c *Client) LoggedIn() bool {
	return c.auth.LoggedIn()
}

func (c *Client) requestToken(ctx context.Context, creds auth.Credentials) (string, error) {
	var resp loginResponse
	req := &fetchkit.Request{Method: http.MethodPost, Path: auth.LoginPath}
	if err := c.repo.Execute(ctx, req, creds, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", auth.ErrEmptyToken
	}
	return resp.Token, nil
}
