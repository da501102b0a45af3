package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	taskdeck "github.com/taskdeck/taskdeck/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd)

	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCreateCmd)
	tasksCmd.AddCommand(tasksStatusCmd)

	tasksListCmd.Flags().StringVar(&tasksProject, "project", "", "only tasks of this project")
	tasksCreateCmd.Flags().StringVar(&tasksDescription, "description", "", "task description")
	projectsCreateCmd.Flags().StringVar(&projectDescription, "description", "", "project description")
}

var (
	tasksProject       string
	tasksDescription   string
	projectDescription string
)

func withSession(run func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())
	return run(ctx, s)
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Browse and create projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			projects, err := s.client.Projects.List(ctx)
			if err != nil {
				return fail("projects.list", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tCREATED")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Title, valueOrDefault(p.Status, "-"), p.CreatedAt.Format(time.DateOnly))
			}
			return w.Flush()
		})
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			p, err := s.client.Projects.Create(ctx, &taskdeck.CreateProjectOptions{
				Title:       args[0],
				Description: projectDescription,
			})
			if err != nil {
				return fail("projects.create", err)
			}
			fmt.Printf("Created project %s (%s)\n", p.Title, p.ID)
			return nil
		})
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Browse and manage tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			tasks, err := s.client.Tasks.List(ctx, tasksProject)
			if err != nil {
				return fail("tasks.list", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tTITLE\tSTATUS\tDUE")
			for _, t := range tasks {
				due := "-"
				if t.DueDate != nil {
					due = t.DueDate.Format(time.DateOnly)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.ProjectID, t.Title, t.Status, due)
			}
			return w.Flush()
		})
	},
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create <project-id> <title>",
	Short: "Create a task in a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			t, err := s.client.Tasks.Create(ctx, &taskdeck.CreateTaskOptions{
				ProjectID:   args[0],
				Title:       args[1],
				Description: tasksDescription,
			})
			if err != nil {
				return fail("tasks.create", err)
			}
			fmt.Printf("Created task %s (%s)\n", t.Title, t.ID)
			return nil
		})
	},
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <task-id> <status>",
	Short: "Change a task's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			t, err := s.client.Tasks.Update(ctx, args[0], &taskdeck.UpdateTaskOptions{Status: args[1]})
			if err != nil {
				return fail("tasks.update", err)
			}
			fmt.Printf("Task %s is now %s\n", t.ID, t.Status)
			return nil
		})
	},
}
