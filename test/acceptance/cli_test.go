package acceptance_test

import (
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CLI", func() {
	Describe("supervisord --help", func() {
		It("exits with code 0", func() {
			cmd := exec.Command(binaryPath, "--help")
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("shows the tool description", func() {
			cmd := exec.Command(binaryPath, "--help")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("Supervise coding-agent execution"))
		})

		It("lists the run command", func() {
			cmd := exec.Command(binaryPath, "--help")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("Available Commands"))
			Expect(string(output)).To(ContainSubstring("run"))
		})
	})

	Describe("supervisord version", func() {
		It("exits with code 0", func() {
			cmd := exec.Command(binaryPath, "version")
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("prints a version string", func() {
			cmd := exec.Command(binaryPath, "version")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(MatchRegexp(`supervisord \S+`))
		})
	})

	Describe("supervisord run with a missing project file", func() {
		It("exits non-zero", func() {
			cmd := exec.Command(binaryPath, "run", "/nonexistent/project.yaml")
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})
	})
})
