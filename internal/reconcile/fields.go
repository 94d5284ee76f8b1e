package reconcile

// Lenient field extraction for the opaque event data map. JSON numbers
// arrive as float64; missing or mistyped fields yield zero values.

func getString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func getInt(data map[string]any, key string) int {
	v, _ := getIntOK(data, key)
	return v
}

func getIntOK(data map[string]any, key string) (int, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func getStringSlice(data map[string]any, key string) []string {
	out, _ := getStringSliceOK(data, key)
	return out
}

func getStringSliceOK(data map[string]any, key string) ([]string, bool) {
	if data == nil {
		return nil, false
	}
	raw, ok := data[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func getStringMap(data map[string]any, key string) map[string]string {
	if data == nil {
		return nil
	}
	raw, ok := data[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else if v == nil {
			out[k] = ""
		}
	}
	return out
}

func getItemStacks(data map[string]any, key string) []ItemStack {
	if data == nil {
		return nil
	}
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]ItemStack, 0, len(raw))
	for _, v := range raw {
		fields, ok := v.(map[string]any)
		if !ok {
			continue
		}
		stack := ItemStack{
			ID:       getString(fields, "id"),
			Name:     getString(fields, "name"),
			Quantity: getInt(fields, "quantity"),
		}
		if stack.ID == "" {
			stack.ID = getString(fields, "item_id")
		}
		if stack.Quantity == 0 {
			stack.Quantity = 1
		}
		if stack.ID != "" {
			out = append(out, stack)
		}
	}
	return out
}
