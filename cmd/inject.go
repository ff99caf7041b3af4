package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/dispatchd/config"
	"github.com/courierhq/dispatchd/infra/logger"
)

var (
	injectVehicle string
	injectLon     float64
	injectLat     float64
)

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Post a demo order to a running service to kick off dispatch",
	RunE:  injectOrder,
}

func init() {
	injectCmd.Flags().StringVar(&injectVehicle, "vehicle", "bike", "requested vehicle class")
	injectCmd.Flags().Float64Var(&injectLon, "lon", 77.5946, "pickup longitude")
	injectCmd.Flags().Float64Var(&injectLat, "lat", 12.9716, "pickup latitude")
	rootCmd.AddCommand(injectCmd)
}

func injectOrder(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := cfg.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	body := map[string]any{
		"userId":      "demo-user",
		"vehicleType": injectVehicle,
		"pickup": map[string]any{
			"address": "demo pickup",
			"lon":     injectLon, "lat": injectLat,
			"contact": map[string]string{"name": "Demo", "phone": "0000000000"},
		},
		"drops": []map[string]any{
			{
				"address": "demo drop",
				"lon":     injectLon + 0.02, "lat": injectLat - 0.01,
				"contact": map[string]string{"name": "Demo", "phone": "0000000000"},
			},
		},
		"paymentMethod": "cod",
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+addr+"/api/orders", "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("post order: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("intake returned %d: %s", resp.StatusCode, out)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	logger.New("inject").Infof("order %s created, dispatch started", created.ID)
	return nil
}
