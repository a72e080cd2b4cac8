package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	vkconfig "github.com/re-cinq/supervisor/internal/config"
	"github.com/re-cinq/supervisor/internal/executor"
	"github.com/re-cinq/supervisor/internal/executor/codex"
	"github.com/re-cinq/supervisor/internal/executor/fakeagent"
	"github.com/re-cinq/supervisor/internal/gitops"
	"github.com/re-cinq/supervisor/internal/logging"
	"github.com/re-cinq/supervisor/internal/model"
	"github.com/re-cinq/supervisor/internal/outbox"
	"github.com/re-cinq/supervisor/internal/statestore"
	"github.com/re-cinq/supervisor/internal/supervisor"
	"github.com/re-cinq/supervisor/internal/workspace"
)

var (
	dbPath       string
	workspaceDir string
	promptFlag   string
)

func init() {
	runCmd.Flags().StringVar(&dbPath, "db", "supervisord.sqlite3", "Path to the state database")
	runCmd.Flags().StringVar(&workspaceDir, "workspaces", ".supervisord-workspaces", "Base directory for task workspaces")
	runCmd.Flags().StringVar(&promptFlag, "prompt", "", "Initial coding-agent prompt to start a task with")

	// Let SUPERVISORD_DB / SUPERVISORD_WORKSPACES / SUPERVISORD_PROMPT
	// override the flag defaults, for container deployments that set env
	// vars rather than passing flags.
	viper.BindPFlag("db", runCmd.Flags().Lookup("db"))
	viper.BindPFlag("workspaces", runCmd.Flags().Lookup("workspaces"))
	viper.BindPFlag("prompt", runCmd.Flags().Lookup("prompt"))

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <project-file>",
	Short: "Bootstrap a project file and run a single task attempt to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(args[0])
	},
}

func runServe(projectPath string) error {
	log := logging.Default()

	dbPath = viper.GetString("db")
	workspaceDir = viper.GetString("workspaces")
	if v := viper.GetString("prompt"); v != "" {
		promptFlag = v
	}

	pf, err := vkconfig.Load(projectPath)
	if err != nil {
		return fmt.Errorf("loading project file: %w", err)
	}
	if errs := vkconfig.Validate(pf); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return fmt.Errorf("%d validation error(s)", len(errs))
	}

	store, err := statestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	git := gitops.New()
	workspaces := workspace.New(git)
	outboxHub := outbox.NewHub()

	profiles := map[string]executor.Profile{
		"fake_agent": fakeagent.NewProfile(pf.Agent.Command, pf.Agent.Args),
		"codex":      codex.NewProfile(pf.Agent.Command, pf.Agent.Args),
	}

	sup := supervisor.New(store, git, workspaces, outboxHub, profiles, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Reconcile(ctx, vkconfig.LoadRuntime(workspaceDir), nil); err != nil {
		log.Error("startup reconciliation failed", "err", err)
	}

	projectID := uuid.New()
	project, repos, links := toProjectRows(projectID, pf)
	if err := store.CreateProject(project, repos, links); err != nil {
		return fmt.Errorf("persisting project: %w", err)
	}

	task := model.Task{
		ID: uuid.New(), ProjectID: projectID, Title: pf.Name,
		Status: model.TaskInProgress, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateTask(task); err != nil {
		return fmt.Errorf("persisting task: %w", err)
	}

	ws := model.Workspace{
		ID: uuid.New(), TaskID: task.ID, Branch: fmt.Sprintf("supervisord/%s", task.ID),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	var wsRepos []model.WorkspaceRepo
	var targets []workspace.RepoTarget
	var repoSetups []supervisor.RepoSetup
	for _, r := range repos {
		link := findLink(links, r.ID)
		wsRepos = append(wsRepos, model.WorkspaceRepo{WorkspaceID: ws.ID, RepoID: r.ID, TargetBranch: targetBranchFor(pf, r.Name)})
		targets = append(targets, workspace.RepoTarget{Name: r.Name, Path: r.Path, TargetBranch: targetBranchFor(pf, r.Name), CopyFiles: link.CopyFiles})
		repoSetups = append(repoSetups, supervisor.RepoSetup{
			RepoID: r.ID, RepoName: r.Name,
			SetupScript: derefOr(link.SetupScript, ""), CleanupScript: derefOr(link.CleanupScript, ""),
			Parallel: link.ParallelSetupScript,
		})
	}
	if err := store.CreateWorkspace(ws, wsRepos); err != nil {
		return fmt.Errorf("persisting workspace: %w", err)
	}

	workspacePath := filepath.Join(workspaceDir, task.ID.String())
	prompt := promptFlag
	if prompt == "" {
		prompt = pf.ResolvePreamble()
	}

	if err := sup.StartWorkspace(ctx, ws, workspacePath, repoSetups, targets, pf.Agent.Profile, prompt); err != nil {
		return fmt.Errorf("starting workspace: %w", err)
	}

	log.Info("supervisord started", "task", task.ID, "workspace", workspacePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	cancel()
	return nil
}

func toProjectRows(projectID uuid.UUID, pf *vkconfig.ProjectFile) (model.Project, []model.Repo, []model.ProjectRepo) {
	project := model.Project{ID: projectID, Name: pf.Name}
	var repos []model.Repo
	var links []model.ProjectRepo
	for _, r := range pf.Repos {
		repoID := uuid.New()
		repos = append(repos, model.Repo{ID: repoID, Path: r.Path, Name: r.Name})
		link := model.ProjectRepo{ProjectID: projectID, RepoID: repoID, CopyFiles: r.CopyFiles, ParallelSetupScript: r.ParallelSetupScript}
		if r.SetupScript != "" {
			link.SetupScript = &r.SetupScript
		}
		if r.CleanupScript != "" {
			link.CleanupScript = &r.CleanupScript
		}
		links = append(links, link)
	}
	return project, repos, links
}

func findLink(links []model.ProjectRepo, repoID uuid.UUID) model.ProjectRepo {
	for _, l := range links {
		if l.RepoID == repoID {
			return l
		}
	}
	return model.ProjectRepo{}
}

func targetBranchFor(pf *vkconfig.ProjectFile, repoName string) string {
	for _, r := range pf.Repos {
		if r.Name == repoName {
			return r.TargetBranch
		}
	}
	return "main"
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
