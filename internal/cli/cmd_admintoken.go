package cli

import (
	"fmt"
	"os"

	"github.com/sendonce/sendonce/internal/auth"
)

// runAdminToken prints a fresh admin token on stdout so it can be piped
// straight into a secret store or .env file.
func runAdminToken() int {
	tok, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate token:", err)
		return 1
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "set ADMIN_TOKEN or pass --admin-token to require it on /admin endpoints")
	return 0
}
