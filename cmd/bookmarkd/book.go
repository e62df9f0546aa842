package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bookmarkd/bookmarkd/internal/home"
	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

var (
	bookTitle      string
	bookAudioItem  string
	bookDocument   string
	bookPackage    string
	bookTranscript string
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Manage tracked books",
}

var bookAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Link external identities into a tracked book",
	Long: `Create a tracked book by linking its identities across services.

At least one of --audio-item or --package is required. The book starts in
the pending state; the daemon's background job prepares it and flips it to
active.

Examples:
  bookmarkd book add --title "Dune" --audio-item li_abc123 \
      --package ~/.bookmarkd/packages/dune.epub \
      --transcript ~/.bookmarkd/transcripts/dune.jsonl \
      --document 6f1ed002ab5595859014ebf0951522d9`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bookAudioItem == "" && bookPackage == "" {
			return fmt.Errorf("at least one of --audio-item or --package is required")
		}
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		b := &types.Book{
			ID:              uuid.NewString(),
			Title:           bookTitle,
			AudioItemID:     bookAudioItem,
			EbookDocumentID: bookDocument,
			PackagePath:     bookPackage,
			TranscriptPath:  bookTranscript,
			Status:          types.StatusPending,
			CreatedAt:       time.Now().UTC(),
		}
		if err := db.SaveBook(b); err != nil {
			return err
		}
		fmt.Println(b.ID)
		return nil
	},
}

var bookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked books",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		books, err := db.ListBooks()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tAUDIO\tEBOOK")
		for _, b := range books {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n",
				b.ID, b.Title, b.Status,
				b.HasMedia(types.MediaAudiobook), b.HasMedia(types.MediaEbook))
		}
		return w.Flush()
	},
}

func openStore() (store.Store, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	return store.Open(h.DataPath())
}

func init() {
	bookAddCmd.Flags().StringVar(&bookTitle, "title", "", "book title")
	bookAddCmd.Flags().StringVar(&bookAudioItem, "audio-item", "", "library item id on the audiobook server")
	bookAddCmd.Flags().StringVar(&bookDocument, "document", "", "document digest used by the e-reader sync protocol")
	bookAddCmd.Flags().StringVar(&bookPackage, "package", "", "path to the local EPUB package")
	bookAddCmd.Flags().StringVar(&bookTranscript, "transcript", "", "path to the time-aligned transcript")

	bookCmd.AddCommand(bookAddCmd)
	bookCmd.AddCommand(bookListCmd)
	rootCmd.AddCommand(bookCmd)
}
