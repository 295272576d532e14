package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions move PENDING_GENERATION -> OPEN -> IN_PROGRESS -> COMPLETED. Status never moves backwards.",
	}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionActivateCmd())
	m.AddCommand(missionSubmissionsCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var briefFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		Long:  "Creates a mission. With --kickoff-id it waits in PENDING_GENERATION until the brief webhook (or mission activate) supplies the brief.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if briefFile != "" {
				b, err := os.ReadFile(briefFile)
				if err != nil {
					return err
				}
				opts.Brief = string(b)
			}
			opts.ActorID = viper.GetString("actor-id")
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("mission %s created (%s)\n", res.Mission.ID, res.Mission.Status)
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "mission title")
	cmd.Flags().StringVar(&opts.Brief, "brief", "", "mission brief")
	cmd.Flags().StringVar(&briefFile, "brief-file", "", "read the brief from a file")
	cmd.Flags().StringVar(&opts.ProductLink, "product-link", "", "product or asset link")
	cmd.Flags().Int64Var(&opts.Reward, "reward", 0, "reward amount")
	cmd.Flags().StringVar(&opts.KickoffID, "kickoff-id", "", "brief generation kickoff id")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.MissionFilters{Limit: limit}
			if status != "" {
				f.Status = domain.MissionStatus(strings.ToUpper(status))
				if !f.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Reward", "Enrollment Ends", "Submission Ends", "Scrapes"})
				for _, m := range items {
					tw.AppendRow(table.Row{
						m.ID, m.Title, m.Status, m.Reward,
						m.EnrollmentWindowEnd.Format("2006-01-02 15:04"),
						m.SubmissionWindowEnd.Format("2006-01-02 15:04"),
						m.ScrapeCount,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum missions")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				m, err := svc.Engine.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	return cmd
}

func missionActivateCmd() *cobra.Command {
	var kickoffID, brief, briefFile string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Open a pending mission with its generated brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kickoffID == "" {
				return fmt.Errorf("--kickoff-id required")
			}
			if briefFile != "" {
				b, err := os.ReadFile(briefFile)
				if err != nil {
					return err
				}
				brief = string(b)
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				m, err := svc.Engine.ActivateMission(ctx, kickoffID, brief)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("mission %s is %s (thread %s)\n", m.ID, m.Status, m.ThreadID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kickoffID, "kickoff-id", "", "kickoff id the mission was created with")
	cmd.Flags().StringVar(&brief, "brief", "", "generated brief")
	cmd.Flags().StringVar(&briefFile, "brief-file", "", "read the brief from a file")
	return cmd
}

func missionSubmissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submissions <mission-id>",
		Short: "List submissions and their latest metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.ListSubmissions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Contributor", "Platform", "Link", "Views", "Likes", "Shares", "Comments"})
				for _, s := range items {
					for _, p := range []domain.Platform{domain.PlatformTikTok, domain.PlatformInstagram} {
						link := s.Link(p)
						if link == "" {
							continue
						}
						mt := s.TikTokMetrics
						if p == domain.PlatformInstagram {
							mt = s.InstagramMetrics
						}
						tw.AppendRow(table.Row{s.ContributorID, p, link, mt.Views, mt.Likes, mt.Shares, mt.Comments})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}
