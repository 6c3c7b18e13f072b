package orchestration

import (
	"fmt"
	"os"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

const sampleDocument = `# Port Kill orchestration configuration

version: "1"

# Global environment variables (applied to all services)
env:
  NODE_ENV: development
  DEBUG: "true"

services:
  frontend:
    command: npm run dev
    port: 3000
    dir: ./frontend
    startup_delay: 2
    depends_on:
      - backend
    env:
      PORT: "3000"

  backend:
    command: npm run start
    port: 8000
    dir: ./backend
    depends_on:
      - database
    healthcheck: curl -fsS http://localhost:8000/health
    healthcheck_timeout: 20
    env:
      PORT: "8000"
      DATABASE_URL: postgres://localhost:5432/myapp

  database:
    command: docker-compose up database
    port: 5432
    startup_delay: 5
`

// Sample returns the starter document written by WriteSample.
func Sample() []byte { return []byte(sampleDocument) }

// WriteSample writes the starter document to path. An existing file is kept
// unless force is set.
func WriteSample(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return pkerrors.NewConfigurationError(fmt.Sprintf("%s already exists", path), err)
		}
		return pkerrors.NewIOError("write sample configuration", err)
	}
	if _, err := f.WriteString(sampleDocument); err != nil {
		_ = f.Close()
		return pkerrors.NewIOError("write sample configuration", err)
	}
	if err := f.Close(); err != nil {
		return pkerrors.NewIOError("write sample configuration", err)
	}
	return nil
}
