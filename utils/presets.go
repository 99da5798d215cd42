package utils

import (
	"fmt"
	"log"
	"reflect"
	"strings"
)

func init() {
	for _, preset := range Presets {
		if err := validateStructFields(preset, "Preset '"+preset.Name+"'"); err != nil {
			log.Println(err)
		}
	}
}

var optionalFields = map[string]bool{
	"UserInfo": true,
}

func validateStructFields(data interface{}, context string) error {
	v := reflect.ValueOf(data)
	t := v.Type()

	if t.Kind() != reflect.Struct {
		return nil
	}

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)

		if optionalFields[field.Name] || field.Type.Kind() == reflect.Bool {
			continue
		}
		if fieldValue.IsZero() {
			return fmt.Errorf("%s field '%s' is missing a value", context, field.Name)
		}
	}
	return nil
}

type Preset struct {
	Name        string `json:"name"`
	WebsiteName string `json:"website_name"`
	SiteURL     string `json:"site_url"`
	CaptchaID   string `json:"captcha_id"`
	RiskType    string `json:"risk_type"`
	UserInfo    string `json:"user_info"`
}

var Presets = []Preset{
	{
		Name:        "geetest_demo_slide",
		WebsiteName: "Geetest Demo",
		SiteURL:     "https://gt4.geetest.com",
		CaptchaID:   "54088bb07d2df3c46b79f80300b0abbe",
		RiskType:    "slide",
	},
	{
		Name:        "geetest_demo_ai",
		WebsiteName: "Geetest Demo",
		SiteURL:     "https://gt4.geetest.com",
		CaptchaID:   "55c86e822ef5984cc0b03a3bbfd1a7c7",
		RiskType:    "ai",
	},
	{
		Name:        "shuffle",
		WebsiteName: "Shuffle",
		SiteURL:     "https://shuffle.com",
		CaptchaID:   "b3d286a8bdd3cc048538b57984f36d7f",
		RiskType:    "ai",
	},
}

func FindPresetByCaptchaIDOrName(query string) (Preset, error) {
	query = strings.TrimSpace(query)
	for _, preset := range Presets {
		if preset.CaptchaID == query || preset.Name == query {
			return preset, nil
		}
	}
	return Preset{}, fmt.Errorf("preset not found for query: %s", query)
}
