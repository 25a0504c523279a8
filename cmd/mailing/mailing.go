package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/app"
	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
)

var mailingCmd = &cobra.Command{
	Use:   "mailing",
	Short: "Mailing commands",
}

var mailingCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft mailing in a campaign",
	RunE:  runMailingCreate,
}

var mailingShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a mailing",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailingShow,
}

var mailingScheduleCmd = &cobra.Command{
	Use:   "schedule [id]",
	Short: "Set the schedule of a mailing and make it pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailingSchedule,
}

var mailingAbortCmd = &cobra.Command{
	Use:   "abort [id]",
	Short: "Abort a mailing",
	Args:  cobra.ExactArgs(1),
	RunE:  statusChanger(models.MailingAborted),
}

var mailingCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Put a pending mailing back to draft",
	Args:  cobra.ExactArgs(1),
	RunE:  statusChanger(models.MailingDraft),
}

var mailingArchiveCmd = &cobra.Command{
	Use:   "archive [id]",
	Short: "Archive a sent or aborted mailing",
	Args:  cobra.ExactArgs(1),
	RunE:  statusChanger(models.MailingArchived),
}

var mailingTestCmd = &cobra.Command{
	Use:   "test [id] [address...]",
	Short: "Send a mailing to test addresses",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMailingTest,
}

var mailingSendCmd = &cobra.Command{
	Use:   "send [id]",
	Short: "Send a mailing now, whatever its schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailingSend,
}

var (
	mailingCampaign    int64
	mailingNames       map[string]string
	mailingSubject     string
	mailingContentFile string
	mailingSiteAccess  string
	mailingRecurring   bool
	mailingSchedule    scheduleFlags
)

// scheduleFlags are the calendar sets of a mailing schedule
type scheduleFlags struct {
	hours, weekdays, monthDays, yearDays, monthWeeks, months, yearWeeks []int
}

func (s *scheduleFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntSliceVar(&s.hours, "hours", nil, "Hours of day (0-23)")
	f.IntSliceVar(&s.weekdays, "days-of-week", nil, "ISO weekdays (1 = Monday)")
	f.IntSliceVar(&s.monthDays, "days-of-month", nil, "Days of month (1-31)")
	f.IntSliceVar(&s.yearDays, "days-of-year", nil, "Days of year (1-366)")
	f.IntSliceVar(&s.monthWeeks, "weeks-of-month", nil, "Weeks of month (1-5)")
	f.IntSliceVar(&s.months, "months", nil, "Months (1-12)")
	f.IntSliceVar(&s.yearWeeks, "weeks-of-year", nil, "ISO weeks (1-53)")
}

// apply copies the flags that were set onto m and reports whether any was
func (s *scheduleFlags) apply(cmd *cobra.Command, m *models.Mailing) bool {
	changed := false
	set := func(name string, values []int, dst *models.IntSet) {
		if cmd.Flags().Changed(name) {
			*dst = models.IntSet(values)
			changed = true
		}
	}
	set("hours", s.hours, &m.HoursOfDay)
	set("days-of-week", s.weekdays, &m.DaysOfWeek)
	set("days-of-month", s.monthDays, &m.DaysOfMonth)
	set("days-of-year", s.yearDays, &m.DaysOfYear)
	set("weeks-of-month", s.monthWeeks, &m.WeeksOfMonth)
	set("months", s.months, &m.MonthsOfYear)
	set("weeks-of-year", s.yearWeeks, &m.WeeksOfYear)
	if cmd.Flags().Changed("recurring") {
		m.Recurring = mailingRecurring
		changed = true
	}
	return changed
}

func init() {
	mailingCreateCmd.Flags().Int64Var(&mailingCampaign, "campaign", 0, "Campaign id (required)")
	mailingCreateCmd.Flags().StringToStringVar(&mailingNames, "name", nil, "Name per language, e.g. --name eng-GB=April")
	mailingCreateCmd.Flags().StringVar(&mailingSubject, "subject", "", "Email subject")
	mailingCreateCmd.Flags().StringVar(&mailingContentFile, "content", "", "HTML file with the email body (required)")
	mailingCreateCmd.Flags().StringVar(&mailingSiteAccess, "site-access", "", "Site access of the mailing")
	mailingCreateCmd.MarkFlagRequired("campaign")
	mailingCreateCmd.MarkFlagRequired("content")

	for _, c := range []*cobra.Command{mailingCreateCmd, mailingScheduleCmd} {
		c.Flags().BoolVar(&mailingRecurring, "recurring", false, "Send again at every matching hour")
	}
	mailingSchedule.register(mailingCreateCmd)
	mailingSchedule.register(mailingScheduleCmd)

	mailingCmd.AddCommand(mailingCreateCmd, mailingShowCmd, mailingScheduleCmd, mailingAbortCmd,
		mailingCancelCmd, mailingArchiveCmd, mailingTestCmd, mailingSendCmd)
	rootCmd.AddCommand(mailingCmd)
}

func findMailing(cmd *cobra.Command, mailings *repository.MailingRepository, arg string) (*models.Mailing, error) {
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	m, err := mailings.GetByID(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("mailing %d not found", id)
	}
	return m, nil
}

func runMailingCreate(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	campaign, err := repository.NewCampaignRepository(e.db).GetByID(ctx, mailingCampaign)
	if err != nil {
		return err
	}
	if campaign == nil {
		return fmt.Errorf("campaign %d not found", mailingCampaign)
	}
	content, err := os.ReadFile(mailingContentFile)
	if err != nil {
		return fmt.Errorf("failed to read content file: %w", err)
	}

	m := &models.Mailing{
		CampaignID: campaign.ID,
		Names:      models.Names(mailingNames),
		Subject:    mailingSubject,
		SiteAccess: mailingSiteAccess,
		Content:    string(content),
	}
	if m.SiteAccess == "" {
		m.SiteAccess = e.cfg.Mailing.SiteAccesses[0]
	}
	if m.Subject == "" {
		m.Subject = m.Names.Lookup(e.cfg.Mailing.DefaultLanguage)
	}
	mailingSchedule.apply(cmd, m)

	if err := repository.NewMailingRepository(e.db).Create(ctx, m); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing %d created\n", m.ID)
	return nil
}

func runMailingShow(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := findMailing(cmd, repository.NewMailingRepository(e.db), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mailing %d: %s\n", m.ID, m.Names.Lookup(e.cfg.Mailing.Languages...))
	fmt.Fprintf(out, "  Campaign: %d\n", m.CampaignID)
	fmt.Fprintf(out, "  Status: %s\n", m.Status)
	fmt.Fprintf(out, "  Subject: %s\n", m.Subject)
	fmt.Fprintf(out, "  Site access: %s\n", m.SiteAccess)
	fmt.Fprintf(out, "  Recurring: %t\n", m.Recurring)
	fmt.Fprintf(out, "  Schedule: %s\n", describeSchedule(m))
	return nil
}

// describeSchedule lists the non-empty calendar sets of m
func describeSchedule(m *models.Mailing) string {
	parts := []string{}
	for _, s := range []struct {
		name string
		set  models.IntSet
	}{
		{"hours", m.HoursOfDay},
		{"days of week", m.DaysOfWeek},
		{"days of month", m.DaysOfMonth},
		{"days of year", m.DaysOfYear},
		{"weeks of month", m.WeeksOfMonth},
		{"months", m.MonthsOfYear},
		{"weeks of year", m.WeeksOfYear},
	} {
		if len(s.set) > 0 {
			parts = append(parts, fmt.Sprintf("%s %v", s.name, []int(s.set)))
		}
	}
	if len(parts) == 0 {
		return "every hour"
	}
	return strings.Join(parts, ", ")
}

func runMailingSchedule(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	mailings := repository.NewMailingRepository(e.db)
	m, err := findMailing(cmd, mailings, args[0])
	if err != nil {
		return err
	}
	if err := models.CheckTransition(m.Status, models.MailingPending); err != nil {
		return err
	}
	if mailingSchedule.apply(cmd, m) {
		if err := mailings.Update(cmd.Context(), m); err != nil {
			return err
		}
	}
	if err := mailings.UpdateStatus(cmd.Context(), m, models.MailingPending); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing %d is pending: %s\n", m.ID, describeSchedule(m))
	return nil
}

// statusChanger returns a command moving a mailing to status
func statusChanger(status models.MailingStatus) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		mailings := repository.NewMailingRepository(e.db)
		m, err := findMailing(cmd, mailings, args[0])
		if err != nil {
			return err
		}
		if err := mailings.UpdateStatus(cmd.Context(), m, status); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Mailing %d is %s\n", m.ID, status)
		return nil
	}
}

func runMailingTest(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	processor, err := app.NewProcessor(e.cfg, e.db, e.logger)
	if err != nil {
		return err
	}
	if err := processor.Test(cmd.Context(), id, args[1:]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing %d sent to %s\n", id, strings.Join(args[1:], ", "))
	return nil
}

func runMailingSend(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	processor, err := app.NewProcessor(e.cfg, e.db, e.logger)
	if err != nil {
		return err
	}
	res, err := processor.Send(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing %d sent: broadcast %d, %d emails sent, %d failed\n",
		id, res.Broadcast.ID, res.Broadcast.EmailSentCount, res.Failed)
	return nil
}
