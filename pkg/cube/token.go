package cube

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mintToken issues a fresh short-lived HS256 token carrying the database
// id. The cube engine resolves which connection and model tree to use
// from that claim.
func (c *Client) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"databaseId": c.databaseID,
		"iat":        now.Unix(),
		"exp":        now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign cube token: %w", err)
	}
	return signed, nil
}
