// Package auth guards the debug/stats HTTP surface internal/api exposes:
// bcrypt-hashed API keys issued per caller, checked by a Fiber middleware.
// There is no credit or billing concept here, cost accounting lives in
// internal/cost.
package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fleetfn/internal/db"
)

// Client is a registered caller of the debug/stats API.
type Client struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
}

type AuthService struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewAuthService(database *db.PostgresDB, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{db: database, logger: logger}
}

func (a *AuthService) CreateClient(ctx context.Context, name, apiKey string) (*Client, error) {
	hashedKey, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	client := &Client{ID: uuid.New(), Name: name, APIKeyHash: string(hashedKey)}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO api_clients (id, name, api_key_hash) VALUES ($1, $2, $3)`,
		client.ID, client.Name, client.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert client: %w", err)
	}
	return client, nil
}

func (a *AuthService) GetClientByID(ctx context.Context, clientID uuid.UUID) (*Client, error) {
	var client Client
	err := a.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash FROM api_clients WHERE id = $1`, clientID).
		Scan(&client.ID, &client.Name, &client.APIKeyHash)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("client not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &client, nil
}

// AuthenticateAPIKey looks up every registered client and bcrypt-compares
// apiKey against its hash. Small registries only; fine for a debug API.
func (a *AuthService) AuthenticateAPIKey(ctx context.Context, apiKey string) (*Client, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, name, api_key_hash FROM api_clients`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.APIKeyHash); err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(c.APIKeyHash), []byte(apiKey)) == nil {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("invalid API key")
}

// RequireAPIKey is Fiber middleware enforcing the X-API-Key header against
// AuthenticateAPIKey, stashing the resolved Client in the request context.
func (a *AuthService) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-API-Key"})
		}

		client, err := a.AuthenticateAPIKey(c.Context(), apiKey)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid API key"})
		}

		c.Locals("client", client)
		return c.Next()
	}
}

// GetClientFromContext returns the Client RequireAPIKey resolved for this
// request.
func GetClientFromContext(c *fiber.Ctx) (*Client, error) {
	client, ok := c.Locals("client").(*Client)
	if !ok {
		return nil, fmt.Errorf("client not found in context")
	}
	return client, nil
}
