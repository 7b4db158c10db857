package acme

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// certbotTimeout bounds one issuance subprocess.
const certbotTimeout = 5 * time.Minute

// certbotRunner shells out to certbot for DNS-01 challenges. Wildcard
// domains can only be validated this way.
type certbotRunner struct {
	bin     string
	acmeDir string
}

// run materializes the provider credentials into a 0600 temp file, invokes
// certbot with the matching DNS plugin, and returns the live chain and key
// paths. The credential file is removed on every exit path.
func (r *certbotRunner) run(ctx context.Context, domain, email, providerType, credentials string) (chainPath, keyPath string, err error) {
	credFile, err := os.CreateTemp("", "gatehouse-dns-*.ini")
	if err != nil {
		return "", "", fmt.Errorf("create credential file: %w", err)
	}
	defer os.Remove(credFile.Name())

	if err := credFile.Chmod(0o600); err != nil {
		credFile.Close()
		return "", "", fmt.Errorf("restrict credential file: %w", err)
	}
	if _, err := credFile.WriteString(credentials); err != nil {
		credFile.Close()
		return "", "", fmt.Errorf("write credential file: %w", err)
	}
	if err := credFile.Close(); err != nil {
		return "", "", fmt.Errorf("close credential file: %w", err)
	}

	plugin := "dns-" + providerType

	ctx, cancel := context.WithTimeout(ctx, certbotTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.bin,
		"certonly",
		"--non-interactive",
		"--agree-tos",
		"--email", email,
		"--"+plugin,
		"--"+plugin+"-credentials", credFile.Name(),
		"--config-dir", r.acmeDir,
		"-d", domain,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("certbot failed for %s: %w: %s", domain, err, output.String())
	}

	// Certbot strips the wildcard label from its lineage directory name.
	lineage := domain
	if len(lineage) > 2 && lineage[:2] == "*." {
		lineage = lineage[2:]
	}
	liveDir := filepath.Join(r.acmeDir, "live", lineage)
	return filepath.Join(liveDir, "fullchain.pem"), filepath.Join(liveDir, "privkey.pem"), nil
}
