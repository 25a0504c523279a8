package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign commands",
}

var campaignIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "List campaigns",
	RunE:  runCampaignIndex,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a campaign and its mailings",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign",
	RunE:  runCampaignCreate,
}

var (
	campaignSearch     string
	campaignNames      map[string]string
	campaignSenderName string
	campaignSender     string
	campaignReport     string
	campaignReturnPath string
	campaignLists      []int64
)

func init() {
	campaignIndexCmd.Flags().StringVar(&campaignSearch, "search", "", "Filter by name")

	campaignCreateCmd.Flags().StringToStringVar(&campaignNames, "name", nil, "Name per language, e.g. --name eng-GB=Monthly")
	campaignCreateCmd.Flags().StringVar(&campaignSenderName, "sender-name", "", "Sender display name")
	campaignCreateCmd.Flags().StringVar(&campaignSender, "sender-email", "", "Sender address")
	campaignCreateCmd.Flags().StringVar(&campaignReport, "report-email", "", "Address receiving the send reports")
	campaignCreateCmd.Flags().StringVar(&campaignReturnPath, "return-path", "", "Envelope sender for bounces")
	campaignCreateCmd.Flags().Int64SliceVar(&campaignLists, "list", nil, "Destination mailing list ids")
	campaignCreateCmd.MarkFlagRequired("name")
	campaignCreateCmd.MarkFlagRequired("list")

	campaignCmd.AddCommand(campaignIndexCmd, campaignShowCmd, campaignCreateCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignIndex(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	campaigns, total, err := repository.NewCampaignRepository(e.db).List(cmd.Context(), models.CampaignFilter{Search: campaignSearch})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSENDER\tLISTS")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", c.ID, c.Names.Lookup(e.cfg.Mailing.Languages...), c.SenderEmail, c.MailingListIDs)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d\n", total)
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := repository.NewCampaignRepository(e.db).GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("campaign %d not found", id)
	}
	mailings, err := repository.NewMailingRepository(e.db).List(ctx, models.MailingFilter{CampaignID: c.ID})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Campaign %d: %s\n", c.ID, c.Names.Lookup(e.cfg.Mailing.Languages...))
	fmt.Fprintf(out, "  Sender: %s <%s>\n", c.SenderName, c.SenderEmail)
	fmt.Fprintf(out, "  Report: %s\n", c.ReportEmail)
	fmt.Fprintf(out, "  Return path: %s\n", c.ReturnPathEmail)
	fmt.Fprintf(out, "  Mailing lists: %v\n\n", c.MailingListIDs)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRECURRING\tSUBJECT")
	for _, m := range mailings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", m.ID, m.Names.Lookup(e.cfg.Mailing.Languages...), m.Status, m.Recurring, m.Subject)
	}
	return w.Flush()
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	lists := repository.NewMailingListRepository(e.db)
	for _, id := range campaignLists {
		l, err := lists.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if l == nil {
			return fmt.Errorf("mailing list %d not found", id)
		}
	}

	c := &models.Campaign{
		Names:           models.Names(campaignNames),
		SenderName:      campaignSenderName,
		SenderEmail:     campaignSender,
		ReportEmail:     campaignReport,
		ReturnPathEmail: campaignReturnPath,
		MailingListIDs:  campaignLists,
	}
	if err := repository.NewCampaignRepository(e.db).Create(ctx, c); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Campaign %d created\n", c.ID)
	return nil
}
