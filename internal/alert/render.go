package alert

// Label is the human name of an alert type.
func (t Type) Label() string {
	switch t {
	case TypeWeather:
		return "Weather"
	case TypePrice:
		return "Price"
	case TypeYield:
		return "Yield"
	case TypeDrought:
		return "Drought"
	case TypeFlood:
		return "Flood"
	case TypePest:
		return "Pest"
	case TypeMarket:
		return "Market"
	case TypeTechnical:
		return "Technical"
	case TypeSystem:
		return "System"
	}
	return "Alert"
}

// Icon is the emoji prefix used by text channels.
func (t Type) Icon() string {
	switch t {
	case TypeWeather:
		return "🌦"
	case TypePrice, TypeMarket:
		return "📉"
	case TypeYield:
		return "🌾"
	case TypeDrought:
		return "☀️"
	case TypeFlood:
		return "🌊"
	case TypePest:
		return "🐛"
	case TypeTechnical:
		return "🛠"
	case TypeSystem:
		return "ℹ️"
	}
	return "🚨"
}

// Color is the accent used by HTML renderings.
func (s Severity) Color() string {
	switch s {
	case SeverityInfo:
		return "#3B82F6"
	case SeverityWarning:
		return "#F59E0B"
	case SeverityCritical:
		return "#EF4444"
	case SeverityEmergency:
		return "#DC2626"
	}
	return "#6B7280"
}
