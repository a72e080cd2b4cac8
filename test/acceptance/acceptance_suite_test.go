package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var binaryPath string

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}

var _ = BeforeSuite(func() {
	_, thisFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
	binaryPath = filepath.Join(projectRoot, "bin", "supervisord-test")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/supervisord")
	cmd.Dir = projectRoot
	cmd.Env = append(cmd.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "failed to build binary: %s", string(output))
})

// setupTestRepo creates a temporary (non-bare) git repo with an initial
// commit on main, returning the temp dir and repo dir for callers to clean up.
func setupTestRepo(pattern string) (tmpDir, repoDir string) {
	tmpDir, err := os.MkdirTemp("", pattern)
	Expect(err).NotTo(HaveOccurred())
	repoDir = filepath.Join(tmpDir, "repo")
	Expect(os.MkdirAll(repoDir, 0o755)).To(Succeed())

	runGit(repoDir, "init", "-b", "main")
	runGit(repoDir, "config", "user.email", "test@example.com")
	runGit(repoDir, "config", "user.name", "test")
	Expect(os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hello\n"), 0o644)).To(Succeed())
	runGit(repoDir, "add", ".")
	runGit(repoDir, "commit", "-m", "initial")
	return tmpDir, repoDir
}

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "git %v: %s", args, string(output))
}

func cleanupTestRepo(repoDir, tmpDir string) {
	exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
	os.RemoveAll(tmpDir)
}
