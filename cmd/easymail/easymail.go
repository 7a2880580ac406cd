package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	easymail "github.com/ratons127/easy-mail-campaining"
)

func main() {
	app := &cli.App{
		Name:  "easymail",
		Usage: "a cli for the campaign delivery api",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "http://localhost:8080",
				EnvVars: []string{"EASYMAIL_HOST"},
			},
			&cli.StringFlag{
				Name:    "actor",
				Usage:   "email of the acting user",
				EnvVars: []string{"EASYMAIL_ACTOR"},
			},
			&cli.StringSliceFlag{
				Name:    "role",
				Usage:   "roles of the acting user, repeatable",
				EnvVars: []string{"EASYMAIL_ROLES"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "campaigns",
				Usage: "list campaigns, optionally by status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status"},
				},
				Action: func(c *cli.Context) error {
					cc, err := client(c).ListCampaigns(c.Context, easymail.CampaignStatus(c.String("status")))
					if err != nil {
						return err
					}
					return dump(cc)
				},
			},
			{
				Name:      "get",
				Usage:     "show one campaign",
				ArgsUsage: "<campaign-id>",
				Action: func(c *cli.Context) error {
					campaign, err := client(c).GetCampaign(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return dump(campaign)
				},
			},
			{
				Name:      "submit",
				Usage:     "submit a draft for approval",
				ArgsUsage: "<campaign-id>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "audience", Usage: "audience id, repeatable"},
					&cli.StringFlag{Name: "emergency-reason"},
				},
				Action: func(c *cli.Context) error {
					campaign, err := client(c).SubmitCampaign(c.Context, c.Args().First(), easymail.SubmitRequest{
						AudienceIDs:     c.StringSlice("audience"),
						EmergencyReason: c.String("emergency-reason"),
					})
					if err != nil {
						return err
					}
					return dump(campaign)
				},
			},
			{
				Name:      "test-send",
				Usage:     "send the campaign to a few internal addresses",
				ArgsUsage: "<campaign-id>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "to", Usage: "test recipient, repeatable"},
				},
				Action: func(c *cli.Context) error {
					return client(c).TestSend(c.Context, c.Args().First(), c.StringSlice("to"))
				},
			},
			{
				Name:      "cancel",
				ArgsUsage: "<campaign-id>",
				Action: func(c *cli.Context) error {
					return client(c).Cancel(c.Context, c.Args().First())
				},
			},
			{
				Name:      "requeue",
				Usage:     "schedule a completed campaign again",
				ArgsUsage: "<campaign-id>",
				Action: func(c *cli.Context) error {
					return client(c).Requeue(c.Context, c.Args().First())
				},
			},
			{
				Name:      "summary",
				Usage:     "delivery report for a campaign",
				ArgsUsage: "<campaign-id>",
				Action: func(c *cli.Context) error {
					summary, err := client(c).Summary(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return dump(summary)
				},
			},
			{
				Name:  "suppress",
				Usage: "add an address to the suppression list",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "reason"},
				},
				Action: func(c *cli.Context) error {
					return client(c).AddSuppression(c.Context, easymail.SuppressionEntry{
						Email:  c.String("email"),
						Reason: c.String("reason"),
						Source: "MANUAL",
					})
				},
			},
			{
				Name:  "suppression",
				Usage: "list the suppression list",
				Action: func(c *cli.Context) error {
					list, err := client(c).ListSuppression(c.Context)
					if err != nil {
						return err
					}
					return dump(list)
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *easymail.Client {
	return easymail.NewClient(c.String("host"), easymail.Actor{
		Email: c.String("actor"),
		Roles: c.StringSlice("role"),
	})
}

func dump(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
