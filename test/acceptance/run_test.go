package acceptance_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("supervisord run", func() {
	var tmpDir, repoDir, projectPath, dbPath, workspacesDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("supervisord-run-*")

		dbPath = filepath.Join(tmpDir, "state.sqlite3")
		workspacesDir = filepath.Join(tmpDir, "workspaces")

		projectPath = filepath.Join(tmpDir, "project.yaml")
		project := fmt.Sprintf(`
name: demo
agent:
  profile: fake_agent
  command: sh
  args: ["-c", "echo '{\"msg\":{\"type\":\"session_configured\",\"session_id\":\"s1\"}}'; echo '{\"msg\":{\"type\":\"agent_message\",\"text\":\"done\"}}'"]
repos:
  - name: demo
    path: %s
    target_branch: main
`, repoDir)
		Expect(os.WriteFile(projectPath, []byte(project), 0o644)).To(Succeed())
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("starts a task attempt and exits cleanly on interrupt", func() {
		cmd := exec.Command(binaryPath, "run", projectPath,
			"--db", dbPath, "--workspaces", workspacesDir, "--prompt", "say hello")
		Expect(cmd.Start()).To(Succeed())

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case <-time.After(2 * time.Second):
			Expect(cmd.Process.Signal(os.Interrupt)).To(Succeed())
			Expect(<-done).NotTo(HaveOccurred())
		case err := <-done:
			Expect(err).NotTo(HaveOccurred())
		}

		_, statErr := os.Stat(dbPath)
		Expect(statErr).NotTo(HaveOccurred())
	})
})
