package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
	"github.com/foxzi/mailing/internal/userimport"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Mailing list commands",
}

var listIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "List mailing lists",
	RunE:  runListIndex,
}

var listShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a mailing list and its subscribers",
	Args:  cobra.ExactArgs(1),
	RunE:  runListShow,
}

var listCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a mailing list",
	RunE:  runListCreate,
}

var listUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update a mailing list",
	Args:  cobra.ExactArgs(1),
	RunE:  runListUpdate,
}

var listDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a mailing list and its registrations",
	Args:  cobra.ExactArgs(1),
	RunE:  runListDelete,
}

var listImportCmd = &cobra.Command{
	Use:   "import [id] [file.csv]",
	Short: "Import users from a CSV file into a mailing list",
	Args:  cobra.ExactArgs(2),
	RunE:  runListImport,
}

var (
	listSearch       string
	listStatus       string
	listLimit        int
	listPage         int
	listNames        map[string]string
	listWithApproval bool
)

func init() {
	listIndexCmd.Flags().StringVar(&listSearch, "search", "", "Filter by name")
	listIndexCmd.Flags().IntVar(&listLimit, "limit", 20, "Lists per page")
	listIndexCmd.Flags().IntVar(&listPage, "page", 1, "Page number")

	listShowCmd.Flags().StringVar(&listStatus, "status", "", "Only show users with this status")
	listShowCmd.Flags().StringVar(&listSearch, "search", "", "Filter users by email or name")
	listShowCmd.Flags().IntVar(&listLimit, "limit", 20, "Users per page")
	listShowCmd.Flags().IntVar(&listPage, "page", 1, "Page number")

	for _, c := range []*cobra.Command{listCreateCmd, listUpdateCmd} {
		c.Flags().StringToStringVar(&listNames, "name", nil, "Name per language, e.g. --name eng-GB=News")
		c.Flags().BoolVar(&listWithApproval, "with-approval", false, "Registrations need approval")
	}
	listCreateCmd.MarkFlagRequired("name")

	listCmd.AddCommand(listIndexCmd, listShowCmd, listCreateCmd, listUpdateCmd, listDeleteCmd, listImportCmd)
	rootCmd.AddCommand(listCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// pageOffset converts a 1-based page number into an offset
func pageOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func findList(cmd *cobra.Command, lists *repository.MailingListRepository, arg string) (*models.MailingList, error) {
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	list, err := lists.GetByID(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, fmt.Errorf("mailing list %d not found", id)
	}
	return list, nil
}

func runListIndex(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	lists, total, err := repository.NewMailingListRepository(e.db).List(cmd.Context(), models.MailingListFilter{
		Search: listSearch,
		Limit:  listLimit,
		Offset: pageOffset(listPage, listLimit),
	})
	if err != nil {
		return err
	}
	users := repository.NewUserRepository(e.db)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAPPROVAL\tUSERS")
	for _, l := range lists {
		_, n, err := users.List(cmd.Context(), models.UserFilter{MailingListIDs: []int64{l.ID}, Limit: 1})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%d\n", l.ID, l.Names.Lookup(e.cfg.Mailing.Languages...), l.WithApproval, n)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d\n", total)
	return nil
}

func runListShow(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	list, err := findList(cmd, repository.NewMailingListRepository(e.db), args[0])
	if err != nil {
		return err
	}

	filter := models.UserFilter{
		MailingListIDs: []int64{list.ID},
		Search:         listSearch,
		Limit:          listLimit,
		Offset:         pageOffset(listPage, listLimit),
	}
	if listStatus != "" {
		if filter.Status, err = models.ParseUserStatus(listStatus); err != nil {
			return err
		}
	}

	users := repository.NewUserRepository(e.db)
	counts, err := users.StatusCounts(ctx, filter)
	if err != nil {
		return err
	}
	page, total, err := users.List(ctx, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mailing list %d\n", list.ID)
	for _, lang := range slices.Sorted(maps.Keys(list.Names)) {
		fmt.Fprintf(out, "  Name (%s): %s\n", lang, list.Names[lang])
	}
	fmt.Fprintf(out, "  With approval: %t\n", list.WithApproval)
	fmt.Fprintf(out, "  Statuses:")
	for _, st := range models.UserStatuses {
		fmt.Fprintf(out, " %s=%d", st, counts[st])
	}
	fmt.Fprintf(out, "\n\n")

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tSTATUS\tORIGIN")
	for _, u := range page {
		fmt.Fprintf(w, "%d\t%s\t%s %s\t%s\t%s\n", u.ID, u.Email, u.FirstName, u.LastName, u.Status, u.Origin)
	}
	w.Flush()
	fmt.Fprintf(out, "\nUsers: %d (page %d)\n", total, max(listPage, 1))
	return nil
}

func runListCreate(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	list := &models.MailingList{Names: models.Names(listNames), WithApproval: listWithApproval}
	if err := repository.NewMailingListRepository(e.db).Create(cmd.Context(), list); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing list %d created\n", list.ID)
	return nil
}

func runListUpdate(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	lists := repository.NewMailingListRepository(e.db)
	list, err := findList(cmd, lists, args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("name") {
		if list.Names == nil {
			list.Names = models.Names{}
		}
		for lang, name := range listNames {
			if name == "" {
				delete(list.Names, lang)
				continue
			}
			list.Names[lang] = name
		}
	}
	if cmd.Flags().Changed("with-approval") {
		list.WithApproval = listWithApproval
	}
	if err := lists.Update(cmd.Context(), list); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing list %d updated\n", list.ID)
	return nil
}

func runListDelete(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	lists := repository.NewMailingListRepository(e.db)
	list, err := findList(cmd, lists, args[0])
	if err != nil {
		return err
	}
	if err := lists.Delete(cmd.Context(), list.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mailing list %d deleted\n", list.ID)
	return nil
}

func runListImport(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	list, err := findList(cmd, repository.NewMailingListRepository(e.db), args[0])
	if err != nil {
		return err
	}

	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	importer := userimport.NewImporter(repository.NewUserRepository(e.db), e.logger)
	result, err := importer.Import(cmd.Context(), f, list)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d users imported into mailing list %d\n", result.Count, list.ID)
	for _, le := range result.Errors {
		fmt.Fprintf(out, "  %s\n", le)
	}
	return nil
}
