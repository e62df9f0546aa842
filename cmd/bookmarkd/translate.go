package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

var (
	translateXPath      string
	translateCFI        string
	translateHref       string
	translateFragment   string
	translatePercentage float64
	translateText       string
)

var translateCmd = &cobra.Command{
	Use:   "translate <package.epub>",
	Short: "Resolve or generate position locators against a local EPUB",
	Long: `Translate positions offline, without any configured services.

Give one input and get the full locator set back:
  --xpath       resolve a device-sync XPath
  --cfi         resolve an EPUB CFI
  --href        resolve a spine href (with optional --fragment)
  --percentage  generate locators at a fraction of the text
  --text        anchor a text snippet (fuzzy matched)

Examples:
  bookmarkd translate book.epub --percentage 0.42
  bookmarkd translate book.epub --xpath '/body/DocFragment[5]/body/p[3]/text().12'
  bookmarkd translate book.epub --text "stormy night" --percentage 0.1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := content.Parse(args[0])
		if err != nil {
			return err
		}
		t := locator.New(locator.Config{})

		var pos *locator.Position
		switch {
		case translateText != "":
			pos, err = t.Anchor(m, translateText, translatePercentage)
		case translateXPath != "" || translateCFI != "" || translateHref != "":
			var off int
			off, err = t.Resolve(m, types.Locator{
				XPath:      translateXPath,
				CFI:        translateCFI,
				Href:       translateHref,
				FragmentID: translateFragment,
				Percentage: translatePercentage,
			})
			if err == nil {
				pos, err = t.Generate(m, off)
			}
		case cmd.Flags().Changed("percentage"):
			pos, err = t.GenerateForPercentage(m, translatePercentage)
		default:
			return fmt.Errorf("one of --xpath, --cfi, --href, --percentage, --text is required")
		}
		if err != nil {
			return err
		}

		out := map[string]any{
			"title":      m.Title,
			"percentage": pos.Percentage,
			"segment":    pos.SegmentIndex,
			"xpath":      pos.XPath,
			"cfi":        pos.CFI,
			"href":       pos.Href,
			"selector":   pos.Selector,
			"window":     t.Window(m, pos.GlobalOffset),
		}
		if pos.FragmentID != "" {
			out["fragment"] = pos.FragmentID
		}
		data, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	translateCmd.Flags().StringVar(&translateXPath, "xpath", "", "XPath locator to resolve")
	translateCmd.Flags().StringVar(&translateCFI, "cfi", "", "EPUB CFI to resolve")
	translateCmd.Flags().StringVar(&translateHref, "href", "", "spine href to resolve")
	translateCmd.Flags().StringVar(&translateFragment, "fragment", "", "fragment id within --href")
	translateCmd.Flags().Float64Var(&translatePercentage, "percentage", 0, "position as a fraction of the text (also the hint for --text)")
	translateCmd.Flags().StringVar(&translateText, "text", "", "text snippet to anchor")

	rootCmd.AddCommand(translateCmd)
}
