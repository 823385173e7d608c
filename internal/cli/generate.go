package cli

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fallora/internal/interfaces"
	"fallora/internal/lora"
	"fallora/internal/models"
	"fallora/internal/reference"
	"fallora/internal/session"
)

type generateOptions struct {
	baseModel      string
	prompt         string
	negativePrompt string
	resolution     string
	seed           string
	loras          []string
	civitai        []string
	styles         []string
	lowSlot        string
	highSlot       string
	reference      string
	analyze        string
	downloadDir    string
}

func newGenerateCmd(ro *rootOptions) *cobra.Command {
	o := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit one generation and wait for the result",
		Example: "  fallora generate --prompt 'a knight' --lora owner/knight-lora:0.8\n" +
			"  fallora generate -m fal-ai/wan/v2.2-a14b/text-to-image/lora --prompt dunes --low owner/low --high owner/high\n" +
			"  fallora generate --prompt portrait --lora owner/face --reference ref.png --analyze append --download out/",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ro, func(a *app) error { return runGenerate(cmd, a, o) })
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.baseModel, "base-model", "m", models.BaseModels[0], "Base model endpoint")
	f.StringVarP(&o.prompt, "prompt", "p", "", "Prompt")
	f.StringVar(&o.negativePrompt, "negative-prompt", "", "Negative prompt")
	f.StringVarP(&o.resolution, "resolution", "r", models.DefaultResolution, "Output resolution")
	f.StringVar(&o.seed, "seed", "", "Seed (1-2147483638, random when empty)")
	f.StringArrayVarP(&o.loras, "lora", "l", nil, "LoRA as model[:weight]; repeatable")
	f.StringArrayVar(&o.civitai, "civitai", nil, "Curated catalog LoRA as name[:weight]; repeatable")
	f.StringArrayVar(&o.styles, "style", nil, "Style catalog LoRA as name[:weight]; repeatable")
	f.StringVar(&o.lowSlot, "low", "", "Low-noise transformer LoRA (Wan 2.2)")
	f.StringVar(&o.highSlot, "high", "", "High-noise transformer LoRA (Wan 2.2)")
	f.StringVar(&o.reference, "reference", "", "Reference image file; enables depth-controlled generation")
	f.StringVar(&o.analyze, "analyze", "", "Analyze the reference and merge the suggested prompt: replace|append")
	f.StringVarP(&o.downloadDir, "download", "d", "", "Directory to save the generated images into")
	return cmd
}

func runGenerate(cmd *cobra.Command, a *app, o *generateOptions) error {
	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()

	s := session.New(a.deps(), session.WithNotifier(func(n session.Notification) {
		fmt.Fprintf(stderr, "[%s] %s\n", n.Kind, n.Message)
	}))

	if err := s.SelectBaseModel(ctx, o.baseModel); err != nil {
		return err
	}
	if err := s.SetResolution(o.resolution); err != nil {
		return err
	}
	s.SetPrompt(o.prompt)
	s.SetNegativePrompt(o.negativePrompt)
	if o.seed != "" {
		s.SetSeedText(o.seed)
	}

	err := s.LoRAs(func(b *lora.Builder) error {
		for i, raw := range o.loras {
			model, weight := splitWeight(raw)
			if i == 0 {
				if err := b.UpdateEntry(b.Entries()[0].ID, model, weight); err != nil {
					return err
				}
				continue
			}
			d := b.AppendEntry()
			if err := b.UpdateEntry(d.ID, model, weight); err != nil {
				return err
			}
		}
		if err := b.SetSlot(models.TransformerLow, o.lowSlot); err != nil {
			return err
		}
		return b.SetSlot(models.TransformerHigh, o.highSlot)
	})
	if err != nil {
		return err
	}
	if err := commitPicks(s, lora.PickerCurated, o.civitai); err != nil {
		return err
	}
	if err := commitPicks(s, lora.PickerStyle, o.styles); err != nil {
		return err
	}

	if o.reference != "" {
		if err := uploadReference(cmd, s, o.reference); err != nil {
			return err
		}
		if o.analyze != "" {
			if _, err := s.AnalyzeReference(ctx); err != nil {
				return err
			}
			if _, err := s.ApplySuggestedPrompt(reference.ApplyMode(o.analyze)); err != nil {
				return err
			}
		}
	}

	result, err := s.Generate(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, img := range result.Images {
		fmt.Fprintln(out, img.URL)
		if o.downloadDir == "" {
			continue
		}
		file, err := saveImage(cmd, a, img.URL, o.downloadDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "saved %s\n", file)
	}
	return nil
}

// commitPicks selects and commits each name[:weight] on picker k.
func commitPicks(s *session.Session, k lora.PickerKind, picks []string) error {
	for _, raw := range picks {
		name, weight := splitWeight(raw)
		if err := s.LoRAs(func(b *lora.Builder) error { return b.Select(k, name, weight) }); err != nil {
			return err
		}
		if _, err := s.CommitPicker(k); err != nil {
			return err
		}
	}
	return nil
}

func uploadReference(cmd *cobra.Command, s *session.Session, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open reference image: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat reference image: %w", err)
	}

	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(file)))
	if ct == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		ct = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	_, err = s.UploadReference(cmd.Context(), interfaces.ReferenceFile{
		Name:        filepath.Base(file),
		ContentType: ct,
		Size:        info.Size(),
		Body:        f,
	})
	return err
}

func saveImage(cmd *cobra.Command, a *app, imageURL, dir string) (string, error) {
	name := path.Base(imageURL)
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	data, _, err := a.client.Download(cmd.Context(), imageURL, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// splitWeight splits "model:weight". The suffix only counts as a weight when
// it parses as a number, so model URLs keep their scheme.
func splitWeight(raw string) (string, string) {
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return raw, ""
	}
	if _, err := strconv.ParseFloat(raw[i+1:], 64); err != nil {
		return raw, ""
	}
	return raw[:i], raw[i+1:]
}
