package spotvm

import "time"

// instancesResponse is the envelope for GET /instances
type instancesResponse struct {
	Data struct {
		Instances []wireInstance `json:"instances"`
	} `json:"data"`
}

// instanceResponse is the envelope for GET /instances/{id} and POST /instances
type instanceResponse struct {
	Data wireInstance `json:"data"`
}

// wireInstance is a SpotVM instance as returned by the API
type wireInstance struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	MachineType  string  `json:"machine_type"`
	Zone         string  `json:"zone"`
	Status       string  `json:"status"`
	IPAddress    string  `json:"ip_address"`
	SSHPort      int     `json:"ssh_port"`
	PricePerHour float64 `json:"price_per_hour"`
	CreatedAt    int64   `json:"created_at"` // unix seconds
}

// createInstanceRequest is the request body for POST /instances
type createInstanceRequest struct {
	Data createInstanceData `json:"data"`
}

type createInstanceData struct {
	Name        string     `json:"name"`
	MachineType string     `json:"machine_type"`
	Zone        string     `json:"zone"`
	DiskGB      int        `json:"disk_gb"`
	Spot        bool       `json:"spot"`
	CloudInit   *cloudInit `json:"cloud_init,omitempty"`
}

// cloudInit configures first-boot behavior
type cloudInit struct {
	PackageUpdate     bool     `json:"package_update,omitempty"`
	Packages          []string `json:"packages,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
	RunCmd            []string `json:"runcmd,omitempty"`
}

// pricingResponse is the envelope for GET /pricing/spot
type pricingResponse struct {
	Data struct {
		MachineType  string  `json:"machine_type"`
		Zone         string  `json:"zone"`
		PricePerHour float64 `json:"price_per_hour"`
		Currency     string  `json:"currency"`
	} `json:"data"`
}

// errorResponse is returned with a non-2xx status or embedded in a 200 body
type errorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func unixOrNow(ts int64) time.Time {
	if ts <= 0 {
		return time.Now()
	}
	return time.Unix(ts, 0)
}
